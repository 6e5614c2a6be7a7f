package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceFor(t *testing.T) {
	cases := map[string]string{
		"security_backend":      ServiceSecurityAnalyzer,
		"performance_locust":    ServicePerformanceTester,
		"dependency_audit":      ServiceDependencyScanner,
		"code_quality_frontend": ServiceStaticAnalyzer,
		"ai_review":             ServiceAIAnalyzer,
		"dynamic_zap":           ServiceDynamicAnalyzer,
		"unknown_thing":         ServiceGateway,
		"security":              ServiceGateway,
		"":                      ServiceGateway,
	}

	for analysisType, want := range cases {
		env := &Envelope{Type: KindAnalysisRequest, Data: map[string]any{"analysis_type": analysisType}}
		assert.Equal(t, want, ServiceFor(env), "analysis_type=%q", analysisType)
	}

	t.Run("explicit service wins", func(t *testing.T) {
		env := &Envelope{
			Type:    KindAnalysisRequest,
			Service: ServiceAIAnalyzer,
			Data:    map[string]any{"analysis_type": "security_backend"},
		}
		assert.Equal(t, ServiceAIAnalyzer, ServiceFor(env))
	})

	t.Run("longest prefix wins", func(t *testing.T) {
		r := NewRouter(map[string]string{
			"security_":      "generic",
			"security_deep_": "deep",
		}, "fallback")
		assert.Equal(t, "deep", r.ServiceForType("security_deep_scan"))
		assert.Equal(t, "generic", r.ServiceForType("security_scan"))
		assert.Equal(t, "fallback", r.ServiceForType("lint"))
	})

	t.Run("non string analysis type falls back", func(t *testing.T) {
		env := &Envelope{Type: KindAnalysisRequest, Data: map[string]any{"analysis_type": 42}}
		assert.Equal(t, ServiceGateway, ServiceFor(env))
	})
}
