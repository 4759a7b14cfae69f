package portsproxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// ServeProxy reverse-proxies one request to 127.0.0.1:port, rewriting the
// incoming /proxy/:port/*rest path down to rest before forwarding. A port
// that was never exposed via Expose is rejected with 404 before any upstream
// connection is attempted, so the registry is always consulted, not just the
// TCP dial outcome.
func (r *Registry) ServeProxy(w http.ResponseWriter, req *http.Request, portParam, rest string) {
	port, err := strconv.Atoi(portParam)
	if err != nil || validatePortFormat(port) != nil {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}
	if !r.isExposed(port) {
		http.Error(w, fmt.Sprintf("port %d is not exposed", port), http.StatusNotFound)
		return
	}

	target, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	if err != nil {
		http.Error(w, "invalid proxy target", http.StatusInternalServerError)
		return
	}
	if rest == "" {
		rest = "/"
	}

	proxy := &httputil.ReverseProxy{}
	proxy.Rewrite = func(pr *httputil.ProxyRequest) {
		pr.SetURL(target)
		pr.Out.URL.Path = rest
		pr.Out.URL.RawPath = ""
		if pr.Out.Header.Get("Upgrade") != "" {
			pr.Out.Header.Set("Connection", "Upgrade")
		}
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode == http.StatusSwitchingProtocols {
			resp.Header.Set("Connection", "Upgrade")
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, proxyErr error) {
		r.log.Warn("proxy upstream error", zap.Int("port", port), zap.Error(proxyErr))
		http.Error(w, "upstream proxy error", http.StatusBadGateway)
	}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				r.log.Debug("proxy: client disconnected", zap.Int("port", port))
				return
			}
			panic(rec)
		}
	}()

	proxy.ServeHTTP(w, req)
}

func validatePortFormat(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port out of range")
	}
	return nil
}
