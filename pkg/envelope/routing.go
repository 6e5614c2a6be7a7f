package envelope

import (
	iradix "github.com/hashicorp/go-immutable-radix"
)

// Logical service names known out of the box.
const (
	ServiceGateway           = "gateway"
	ServiceSecurityAnalyzer  = "security-analyzer"
	ServicePerformanceTester = "performance-tester"
	ServiceDependencyScanner = "dependency-scanner"
	ServiceStaticAnalyzer    = "static-analyzer"
	ServiceAIAnalyzer        = "ai-analyzer"
	ServiceDynamicAnalyzer   = "dynamic-analyzer"
)

// DefaultRoutes maps an `analysis_type` prefix to the service handling it.
var DefaultRoutes = map[string]string{
	"security_":     ServiceSecurityAnalyzer,
	"performance_":  ServicePerformanceTester,
	"dependency_":   ServiceDependencyScanner,
	"code_quality_": ServiceStaticAnalyzer,
	"ai_":           ServiceAIAnalyzer,
	"dynamic_":      ServiceDynamicAnalyzer,
}

// KnownServices lists every service `DefaultRoutes` can resolve to,
// plus the gateway.
func KnownServices() []string {
	return []string{
		ServiceGateway,
		ServiceSecurityAnalyzer,
		ServicePerformanceTester,
		ServiceDependencyScanner,
		ServiceStaticAnalyzer,
		ServiceAIAnalyzer,
		ServiceDynamicAnalyzer,
	}
}

// Router resolves the service an envelope must be dispatched to.
//
// The table is immutable once built, so a `Router` is safe for concurrent
// use without locking.
type Router struct {
	table    *iradix.Tree
	fallback string
}

// NewRouter builds a router from prefix routes.
// Unmatched requests go to `fallback`.
func NewRouter(routes map[string]string, fallback string) *Router {
	txn := iradix.New().Txn()
	for prefix, service := range routes {
		txn.Insert([]byte(prefix), service)
	}
	return &Router{
		table:    txn.Commit(),
		fallback: fallback,
	}
}

// DefaultRouter routes with `DefaultRoutes` and falls back to the gateway.
var DefaultRouter = NewRouter(DefaultRoutes, ServiceGateway)

// ServiceFor returns `env.Service` when set, otherwise the service owning
// the longest prefix of `data.analysis_type`.
func (r *Router) ServiceFor(env *Envelope) string {
	if env.Service != "" {
		return env.Service
	}
	analysisType, _ := env.Data["analysis_type"].(string)
	return r.ServiceForType(analysisType)
}

// ServiceForType resolves an analysis type alone.
func (r *Router) ServiceForType(analysisType string) string {
	if analysisType == "" {
		return r.fallback
	}
	_, service, ok := r.table.Root().LongestPrefix([]byte(analysisType))
	if !ok {
		return r.fallback
	}
	return service.(string)
}

// ServiceFor resolves with the `DefaultRouter`.
func ServiceFor(env *Envelope) string {
	return DefaultRouter.ServiceFor(env)
}
