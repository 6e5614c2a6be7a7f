package dispatch

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/raskyld/dispatch/pkg/envelope"
	"go.uber.org/multierr"
)

// DefaultEndpoints is used by `Create` when no endpoint was configured.
var DefaultEndpoints = map[string][]string{
	envelope.ServiceGateway:           {"localhost:8765"},
	envelope.ServiceStaticAnalyzer:    {"localhost:2001"},
	envelope.ServiceDynamicAnalyzer:   {"localhost:2002"},
	envelope.ServicePerformanceTester: {"localhost:2003"},
	envelope.ServiceAIAnalyzer:        {"localhost:2004"},
	envelope.ServiceSecurityAnalyzer:  {"localhost:2005"},
	envelope.ServiceDependencyScanner: {"localhost:2006"},
}

func defaultEndpoints() map[string][]string {
	out := make(map[string][]string, len(DefaultEndpoints))
	for service, addrs := range DefaultEndpoints {
		out[service] = append([]string(nil), addrs...)
	}
	return out
}

// EnvPrefix is the variable prefix of a service, `security-analyzer`
// becomes `SECURITY_ANALYZER`.
func EnvPrefix(service string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(service))
}

// EndpointsFromEnv reads `<SERVICE>_URLS` (comma-separated) or, when
// absent, `<SERVICE>_URL` for every service. A nil `lookup` reads the
// process environment.
//
// Services without any variable are omitted from the result.
func EndpointsFromEnv(services []string, lookup func(string) (string, bool)) (map[string][]string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var errs error
	out := make(map[string][]string)
	for _, service := range services {
		prefix := EnvPrefix(service)
		raw, ok := lookup(prefix + "_URLS")
		if !ok || strings.TrimSpace(raw) == "" {
			raw, ok = lookup(prefix + "_URL")
		}
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}

		addrs, err := ParseAddressList(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", service, err))
			continue
		}
		out[service] = addrs
	}
	return out, errs
}

// ParseAddressList parses a comma-separated list of `host:port`, optionally
// written as URLs (`quic://host:port`, `ws://host:port/path`).
func ParseAddressList(raw string) ([]string, error) {
	var (
		addrs []string
		errs  error
	)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "://") {
			parsed, err := url.Parse(item)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%w: %w", ErrInvalidAddr, err))
				continue
			}
			item = parsed.Host
		}
		if _, _, err := splitAddress(item); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: %w", ErrInvalidAddr, err))
			continue
		}
		addrs = append(addrs, item)
	}
	return addrs, errs
}
