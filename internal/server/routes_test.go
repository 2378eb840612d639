package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/berfenger/fieldbridge/internal/config"
	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/pkg/fieldbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
)

func fakeMaster(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_MASTER, Healthy: true})
	case domain.GetStatusRequest:
		ctx.Respond(domain.GetStatusResponse{
			Bridge: fieldbus.Status{Owners: []string{"ess0"}},
			Cycles: 12,
		})
	case domain.GetDeviceInfoRequest:
		if msg.DeviceId() != "ess0" {
			ctx.Respond(domain.GetDeviceInfoResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: errors.New("unknown device")}})
			return
		}
		ctx.Respond(domain.GetDeviceInfoResponse{Id: "ess0", Name: "Battery"})
	case domain.SetElementValueRequest:
		if msg.Value > 100 {
			ctx.Respond(domain.SetElementValueResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: errors.New("value out of range")}})
			return
		}
		ctx.Respond(domain.SetElementValueResponse{Changed: true})
	}
}

func testServer(t *testing.T) http.Handler {
	as := actor.NewActorSystem()
	t.Cleanup(as.Shutdown)
	pid := as.Root.Spawn(actor.PropsFromFunc(fakeMaster))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	s := &Server{
		rootContext: as.Root,
		masterActor: pid,
		registry:    registry,
	}
	return s.RegisterRoutes()
}

func doRequest(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {

	assert := assert.New(t)

	rec := doRequest(testServer(t), http.MethodGet, "/healthcheck", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("health_check: OK", rec.Body.String())
}

func TestStatus(t *testing.T) {

	assert := assert.New(t)

	rec := doRequest(testServer(t), http.MethodGet, "/status", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `"cycles":12`)
	assert.Contains(rec.Body.String(), `"ess0"`)
}

func TestDeviceInfo(t *testing.T) {

	assert := assert.New(t)

	handler := testServer(t)
	rec := doRequest(handler, http.MethodGet, "/devices/ess0", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), `"name":"Battery"`)

	rec = doRequest(handler, http.MethodGet, "/devices/nope", "")
	assert.Equal(http.StatusNotFound, rec.Code)
}

func TestSetElementValue(t *testing.T) {

	assert := assert.New(t)

	handler := testServer(t)
	rec := doRequest(handler, http.MethodPut, "/devices/ess0/elements/setpoint", `{"value": 50}`)
	assert.Equal(http.StatusOK, rec.Code)
	assert.JSONEq(`{"changed": true}`, rec.Body.String())

	rec = doRequest(handler, http.MethodPut, "/devices/ess0/elements/setpoint", `{"value": 500}`)
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = doRequest(handler, http.MethodPut, "/devices/ess0/elements/setpoint", `{}`)
	assert.Equal(http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {

	assert := assert.New(t)

	rec := doRequest(testServer(t), http.MethodGet, "/metrics", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "go_goroutines")
}

func TestNewServer(t *testing.T) {

	server := NewServer(config.Config{Port: 9090}, nil, nil, nil)
	assert.Equal(t, ":9090", server.Addr)
}
