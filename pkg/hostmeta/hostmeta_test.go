package hostmeta

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/farmhand/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeIMDS serves the token-based metadata protocol
type fakeIMDS struct {
	spotBody      string
	lifecycleBody string
}

func (f *fakeIMDS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /latest/api/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-aws-ec2-metadata-token-ttl-seconds") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("test-token"))
	})
	authorized := func(r *http.Request) bool {
		return r.Header.Get("X-aws-ec2-metadata-token") == "test-token"
	}
	mux.HandleFunc("GET /latest/meta-data/spot/instance-action", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) || f.spotBody == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(f.spotBody))
	})
	mux.HandleFunc("GET /latest/meta-data/autoscaling/target-lifecycle-state", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) || f.lifecycleBody == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(f.lifecycleBody))
	})
	return mux
}

func TestMonitorSpotInterruption(t *testing.T) {
	terminationTime := time.Now().UTC().Add(20 * time.Second).Format(time.RFC3339)
	imds := &fakeIMDS{
		spotBody: `{"action": "terminate", "time": "` + terminationTime + `"}`,
	}
	server := httptest.NewServer(imds.handler())
	defer server.Close()

	monitor := NewMonitor(server.URL)
	require.True(t, monitor.Available())

	shutdown := monitor.Run(make(chan struct{}))
	require.NotNil(t, shutdown)
	assert.Contains(t, shutdown.FailMessage, "spot interruption")
	assert.Greater(t, shutdown.GraceTime, 15*time.Second)
	assert.LessOrEqual(t, shutdown.GraceTime, 20*time.Second)
}

func TestMonitorLifecycleTermination(t *testing.T) {
	imds := &fakeIMDS{lifecycleBody: "Terminated"}
	server := httptest.NewServer(imds.handler())
	defer server.Close()

	monitor := NewMonitor(server.URL)
	shutdown := monitor.Run(make(chan struct{}))
	require.NotNil(t, shutdown)
	assert.Equal(t, LifecycleShutdownGrace, shutdown.GraceTime)
	assert.Contains(t, shutdown.FailMessage, "auto-scaling lifecycle")
}

func TestMonitorIgnoresInServiceLifecycle(t *testing.T) {
	imds := &fakeIMDS{lifecycleBody: "InService"}
	server := httptest.NewServer(imds.handler())
	defer server.Close()

	monitor := NewMonitor(server.URL)
	stop := make(chan struct{})
	done := make(chan *Shutdown, 1)
	go func() { done <- monitor.Run(stop) }()

	// Give it a few poll cycles, then stop it
	time.Sleep(2500 * time.Millisecond)
	close(stop)
	assert.Nil(t, <-done)
}

func TestMonitorUnavailable(t *testing.T) {
	// A closed server is indistinguishable from not running on a cloud
	// host
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	monitor := NewMonitor(server.URL)
	assert.False(t, monitor.Available())
	assert.Nil(t, monitor.Run(make(chan struct{})))
}

func TestMonitorIgnoresPastSpotTime(t *testing.T) {
	pastTime := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	imds := &fakeIMDS{
		spotBody: `{"action": "terminate", "time": "` + pastTime + `"}`,
	}
	server := httptest.NewServer(imds.handler())
	defer server.Close()

	monitor := NewMonitor(server.URL)
	stop := make(chan struct{})
	done := make(chan *Shutdown, 1)
	go func() { done <- monitor.Run(stop) }()

	time.Sleep(1500 * time.Millisecond)
	close(stop)
	assert.Nil(t, <-done)
}
