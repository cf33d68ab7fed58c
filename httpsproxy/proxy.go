// Package httpsproxy is the subdomain router: it forwards
// {name}.{base domain} to the service called name.
package httpsproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/etes/executables"
	"github.com/tomyedwab/etes/internal/apperr"
	"github.com/tomyedwab/etes/metrics"
	"github.com/tomyedwab/etes/processes"
	"github.com/tomyedwab/etes/sessions"
)

// serviceHostSuffix marks upstream URLs built by the proxy. The host is
// never resolved; the dialer maps it back to a route.
const serviceHostSuffix = ".service.internal"

var errRouteGone = errors.New("route no longer points at this service")

// Supervisor is the part of the service supervisor the router needs.
type Supervisor interface {
	FindByCommit(commit string) (processes.Service, bool)
	StartGenerated(ctx context.Context, names *processes.NameGenerator, req processes.StartRequest) (processes.Service, error)
}

// ExecutableFinder resolves a commit hash to an uploaded executable.
type ExecutableFinder interface {
	LookupByCommit(commit string) (executables.Executable, bool)
}

// IdentityResolver determines the creator of services started by visiting
// a commit subdomain.
type IdentityResolver interface {
	Resolve(r *http.Request, callerID string) (sessions.Identity, error)
}

type Config struct {
	ListenAddr string
	CertFile   string
	KeyFile    string
	// BaseDomain, when set, is the only domain the router answers for.
	BaseDomain string
	// ControlPanelURL is linked from the not-found page.
	ControlPanelURL string
	// ServiceURL returns the public address of a named service.
	ServiceURL func(name string) string

	Routes      *processes.RouteTable
	Supervisor  Supervisor
	Executables ExecutableFinder
	Identities  IdentityResolver
	Names       *processes.NameGenerator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Proxy represents the subdomain reverse proxy server.
type Proxy struct {
	config    Config
	server    *http.Server
	listener  net.Listener
	transport *http.Transport
	logger    *slog.Logger
}

type routeContextKey struct{}

type routeTarget struct {
	name  string
	route processes.Route
}

func NewProxy(config Config) *Proxy {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Routes == nil {
		config.Routes = processes.NewRouteTable()
	}
	p := &Proxy{
		config: config,
		logger: config.Logger.With("component", "httpsproxy"),
	}
	p.transport = &http.Transport{
		DialContext:           p.dialService,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Minute,
	}
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return p
}

// Listen binds the listener. A bind failure is returned to the caller,
// which treats it as fatal.
func (p *Proxy) Listen() error {
	ln, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding subdomain router on %s: %w", p.config.ListenAddr, err)
	}
	if p.config.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.CertFile, p.config.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"http/1.1"},
		})
	}
	p.listener = ln
	return nil
}

// Addr is the bound address, valid after Listen.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return p.config.ListenAddr
	}
	return p.listener.Addr().String()
}

// Serve handles requests until Stop is called.
func (p *Proxy) Serve() error {
	if p.listener == nil {
		if err := p.Listen(); err != nil {
			return err
		}
	}
	p.logger.Info("Starting subdomain router", "addr", p.Addr(), "tls", p.config.CertFile != "")
	err := p.server.Serve(p.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the proxy server.
func (p *Proxy) Stop(ctx context.Context) error {
	p.logger.Info("Stopping subdomain router")
	err := p.server.Shutdown(ctx)
	p.transport.CloseIdleConnections()
	return err
}

// subdomain extracts the service label and the domain it was requested
// on. ok is false when host is outside the base domain.
func (p *Proxy) subdomain(host string) (label, domain string, ok bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if base := strings.ToLower(p.config.BaseDomain); base != "" {
		if !strings.HasSuffix(host, "."+base) {
			return "", base, false
		}
		label = strings.TrimSuffix(host, "."+base)
		return label, base, label != "" && !strings.Contains(label, ".")
	}
	label, domain, _ = strings.Cut(host, ".")
	return label, domain, label != ""
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()
	label, _, ok := p.subdomain(r.Host)
	if !ok {
		p.notFound(w, r, traceID, "host outside base domain")
		return
	}

	if executables.ValidHash(label) {
		p.redirectToCommit(w, r, traceID, label)
		return
	}

	route, found := p.config.Routes.Lookup(label)
	if !found {
		p.notFound(w, r, traceID, "no route")
		return
	}
	p.forward(w, r, traceID, label, route)
}

// redirectToCommit sends the browser to a live service built from commit,
// starting one first if there is none.
func (p *Proxy) redirectToCommit(w http.ResponseWriter, r *http.Request, traceID, commit string) {
	if svc, ok := p.config.Supervisor.FindByCommit(commit); ok {
		p.redirect(w, r, traceID, svc.Name, "redirected")
		return
	}
	exe, ok := p.config.Executables.LookupByCommit(commit)
	if !ok {
		p.notFound(w, r, traceID, "no executable for commit")
		return
	}
	creator, err := p.config.Identities.Resolve(r, uuid.New().String())
	if err != nil {
		p.fail(w, r, traceID, err)
		return
	}
	svc, err := p.config.Supervisor.StartGenerated(r.Context(), p.config.Names, processes.StartRequest{
		ContentHash: exe.ContentHash,
		Creator:     creator,
	})
	if err != nil {
		p.fail(w, r, traceID, err)
		return
	}
	p.logger.Info("Started service for commit", "trace_id", traceID, "commit", commit, "service", svc.Name, "creator", creator.String())
	p.redirect(w, r, traceID, svc.Name, "started")
}

func (p *Proxy) redirect(w http.ResponseWriter, r *http.Request, traceID, name, outcome string) {
	target := p.config.ServiceURL(name)
	p.config.Metrics.ProxyRequest(outcome)
	p.logger.Info("Redirect", "trace_id", traceID, "host", r.Host, "path", r.URL.Path, "target", target)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, traceID, name string, route processes.Route) {
	target := &url.URL{
		Scheme: "http",
		Host:   route.ServiceID + serviceHostSuffix + ":" + strconv.Itoa(route.Port),
	}
	reverseProxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
			pr.Out.Header.Set("X-Trace-ID", traceID)
		},
		Transport: p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, errRouteGone) {
				p.notFound(w, r, traceID, "route removed")
				return
			}
			p.config.Metrics.ProxyRequest("error")
			p.logger.Warn("Upstream error", "trace_id", traceID, "service", name, "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
	ctx := context.WithValue(r.Context(), routeContextKey{}, routeTarget{name: name, route: route})
	p.config.Metrics.ProxyRequest("proxied")
	p.logger.Debug("Proxy", "trace_id", traceID, "service", name, "port", route.Port, "path", r.URL.Path)
	reverseProxy.ServeHTTP(w, r.WithContext(ctx))
}

// dialService connects to the port of the route captured when the request
// arrived, after checking that the route still belongs to the same
// service. A port released by a stopped service may already be held by
// another one.
func (p *Proxy) dialService(ctx context.Context, network, addr string) (net.Conn, error) {
	target, ok := ctx.Value(routeContextKey{}).(routeTarget)
	if !ok {
		return nil, fmt.Errorf("dial %s: no route in request context", addr)
	}
	current, found := p.config.Routes.Lookup(target.name)
	if !found || current != target.route {
		return nil, errRouteGone
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort("127.0.0.1", strconv.Itoa(target.route.Port)))
}

func (p *Proxy) notFound(w http.ResponseWriter, r *http.Request, traceID, reason string) {
	p.config.Metrics.ProxyRequest("not_found")
	p.logger.Info("No service", "trace_id", traceID, "host", r.Host, "path", r.URL.Path, "reason", reason)
	panel := html.EscapeString(p.config.ControlPanelURL)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "<h1>No service found on this domain.</h1><h2>Visit <a href=\"%s\">%s</a> to view a list of running instances.</h2>", panel, panel)
}

func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, traceID string, err error) {
	p.config.Metrics.ProxyRequest("error")
	p.config.Metrics.ObserveError(err)
	p.logger.Warn("Request failed", "trace_id", traceID, "host", r.Host, "error", err)
	http.Error(w, err.Error(), apperr.StatusCode(err))
}
