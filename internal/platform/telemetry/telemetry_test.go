package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRegistry_IncAndValue(t *testing.T) {
	r := NewRegistry()
	r.Inc(CounterFramesIn)
	r.Inc(CounterFramesIn)
	if got := r.Value(CounterFramesIn); got != 2 {
		t.Fatalf("value = %d, want 2", got)
	}
	if got := r.Value("never_touched"); got != 0 {
		t.Fatalf("untouched counter = %d, want 0", got)
	}
}

func TestRegistry_ConcurrentInc(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Inc(CounterDeliveredPersistent)
			}
		}()
	}
	wg.Wait()
	if got := r.Value(CounterDeliveredPersistent); got != 5000 {
		t.Fatalf("value = %d, want 5000", got)
	}
}

func TestRegistry_Exposition(t *testing.T) {
	r := NewRegistry()
	r.Inc(CounterDeliveredFallback)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := r.Handler()(c); err != nil {
		t.Fatal(err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, CounterDeliveredFallback+" 1") {
		t.Fatalf("exposition missing counter: %s", body)
	}
	if !strings.Contains(body, "# TYPE "+CounterDeliveredFallback+" counter") {
		t.Fatalf("exposition missing type line: %s", body)
	}
}
