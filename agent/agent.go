package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/procbridge/process/remote"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent is an HTTP agent that runs worker processes on behalf of remote supervisors.
// The agent requires mTLS for both traffic encryption and authz.
type Agent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	gatherer                prometheus.Gatherer

	processServer *remote.Server

	mut      sync.Mutex
	server   *http.Server
	listener net.Listener

	closeOnce     sync.Once
	closed        chan struct{}
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler sets the function called when no heartbeat arrives within the timeout.
// It is called on every check until a heartbeat arrives.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Sugar().Named("agent")
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithGatherer serves the given registry on /metrics instead of the default one.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *Agent) {
		a.gatherer = g
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// New constructs a new agent.
func New(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:           logger.Named("agent").Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		gatherer:         prometheus.DefaultGatherer,
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.processServer = &remote.Server{Log: a.logger.Named("process_server")}
	return a, nil
}

// startHeartbeatCheck starts a goroutine that calls the failure handler whenever the heartbeat has timed out.
func (a *Agent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Warnw("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

// Listen binds the listen address. Run calls it if it hasn't been called yet.
func (a *Agent) Listen() error {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.listener != nil {
		return nil
	}
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("building server TLS config: %w", err)
	}

	a.listener = tls.NewListener(tcpListener, tlsConfig)
	a.server = &http.Server{Handler: a.Handler()}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (a *Agent) Addr() net.Addr {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Handler returns the agent's routes.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/process", a.process)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return router
}

// Run runs the agent and returns once it has stopped.
func (a *Agent) Run() error {
	if err := a.Listen(); err != nil {
		return err
	}
	a.startHeartbeatCheck()
	a.logger.Infow("agent listening", "Addr", a.listener.Addr().String())

	err := a.server.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

// process upgrades to a WebSocket that runs one worker process for the life of the connection.
func (a *Agent) process(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.processServer.ServeHTTP(w, r)
}

func (a *Agent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.server == nil {
		return nil
	}
	return a.server.Close()
}
