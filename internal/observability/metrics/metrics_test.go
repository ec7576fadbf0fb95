package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/":                              "/",
		"/api/sessions/live":             "/api/sessions/live",
		"/api/payments/grants/":          "/api/payments/grants",
		"/api/sessions/host-123":         "/api/sessions/:id",
		"/api/sessions/65f1c0ffee0123ab": "/api/sessions/:id",
		"/api/sessions/user4567/access":  "/api/sessions/:id/access",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestObserveRequestCountsByLabels(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/sessions/host-123", 200, 10*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/sessions/host-456", 200, 10*time.Millisecond)
	recorder.ObserveRoute("POST", "/api/sessions/{hostId}", 402, time.Millisecond)

	if got := value(t, recorder.httpRequests.WithLabelValues("GET", "/api/sessions/:id", "200")); got != 2 {
		t.Fatalf("expected 2 normalised requests, got %v", got)
	}
	if got := value(t, recorder.httpRequests.WithLabelValues("POST", "/api/sessions/{hostId}", "402")); got != 1 {
		t.Fatalf("expected route pattern to be kept, got %v", got)
	}
}

func TestDomainCounters(t *testing.T) {
	recorder := New()
	recorder.SessionStarted("ok")
	recorder.SessionStarted("OK")
	recorder.SessionStopped("not_found")
	recorder.WebhookOutcome("duplicate")
	recorder.AccessDecision("payment_required")
	recorder.ObserveReset(1, 2, 1)
	recorder.SetLiveSessions(3)
	recorder.SetProviderHealth("livekit", "ok")
	recorder.SetProviderHealth("store", "error")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"starts", value(t, recorder.sessionStarts.WithLabelValues("ok")), 2},
		{"stops", value(t, recorder.sessionStops.WithLabelValues("not_found")), 1},
		{"webhook", value(t, recorder.webhookOutcomes.WithLabelValues("duplicate")), 1},
		{"access", value(t, recorder.accessDecisions.WithLabelValues("payment_required")), 1},
		{"endpoints", value(t, recorder.reconcileDeletions.WithLabelValues("endpoint", "deleted")), 2},
		{"failures", value(t, recorder.reconcileDeletions.WithLabelValues("any", "failed")), 1},
		{"live", value(t, recorder.liveSessions), 3},
		{"health ok", value(t, recorder.providerHealth.WithLabelValues("livekit")), 1},
		{"health error", value(t, recorder.providerHealth.WithLabelValues("store")), 0},
	}
	for _, check := range checks {
		if check.got != check.want {
			t.Fatalf("%s: got %v, want %v", check.name, check.got, check.want)
		}
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ObserveRequest("GET", "/", 200, time.Millisecond)
	recorder.SessionStarted("ok")
	recorder.AccessDecision("free")
	recorder.SetLiveSessions(1)
	if recorder.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestSetDefaultIgnoresNil(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	replacement := New()
	SetDefault(replacement)
	SetDefault(nil)
	if Default() != replacement {
		t.Fatal("expected replacement to remain the default")
	}
}

// value reads the current value of a counter or gauge.
func value(t *testing.T, metric prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := metric.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}
