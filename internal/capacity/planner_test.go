package capacity

import "testing"

func TestComputeScenarioHTTPSSite(t *testing.T) {
	p := Compute(200, 8, Caps{Event: true})
	if p.MPM != Event {
		t.Fatalf("MPM = %s, want event", p.MPM)
	}
	if p.Servers != 16 || p.Threads != 13 {
		t.Errorf("servers, threads = %d, %d, want 16, 13", p.Servers, p.Threads)
	}
	if p.MaxWorkers != 208 {
		t.Errorf("MaxWorkers = %d, want 208", p.MaxWorkers)
	}
	if p.MaxSpare != 20 || p.MinSpare != 10 {
		t.Errorf("spares = %d/%d, want 20/10", p.MaxSpare, p.MinSpare)
	}
	if p.PerProcess() != 13 {
		t.Errorf("PerProcess() = %d, want 13", p.PerProcess())
	}
}

func TestThreadedCoversConcurrency(t *testing.T) {
	for c := 1; c <= 3000; c += 7 {
		for cpus := 1; cpus <= 48; cpus++ {
			servers, threads := Threaded(c, cpus)
			if servers*threads < c {
				t.Fatalf("Threaded(%d, %d) = %d*%d < %d", c, cpus, servers, threads, c)
			}
			if threads < MinThreadsPerChild || threads > MaxThreadsPerChild {
				t.Fatalf("Threaded(%d, %d) threads = %d out of range", c, cpus, threads)
			}
		}
	}
}

func TestSparesOrdered(t *testing.T) {
	for c := 0; c <= 5000; c++ {
		maxSpare, minSpare := Spares(c)
		if maxSpare <= minSpare {
			t.Fatalf("Spares(%d) = max %d <= min %d", c, maxSpare, minSpare)
		}
		if minSpare < 1 {
			t.Fatalf("Spares(%d) min = %d", c, minSpare)
		}
	}
	if maxSpare, _ := Spares(100000); maxSpare != SpareCap {
		t.Errorf("Spares(100000) max = %d, want cap %d", maxSpare, SpareCap)
	}
}

func TestComputeSelectsPrefork(t *testing.T) {
	tests := []struct {
		name string
		c    int
		cpus int
		caps Caps
	}{
		{name: "os default", c: 200, cpus: 8, caps: Caps{PreforkDefault: true, Event: true}},
		{name: "embedded interpreter", c: 200, cpus: 8, caps: Caps{Event: true, EmbeddedInterpreter: true}},
		{name: "below server floor", c: MinThreadsPerChild, cpus: 8, caps: Caps{Event: true}},
		{name: "single request", c: 1, cpus: 1, caps: Caps{Event: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Compute(tt.c, tt.cpus, tt.caps)
			if p.MPM != Prefork {
				t.Fatalf("MPM = %s, want prefork", p.MPM)
			}
			if p.MaxWorkers != tt.c || p.PerProcess() != 1 {
				t.Errorf("prefork plan = %+v", p)
			}
			if p.StartServers > p.MaxWorkers {
				t.Errorf("StartServers %d > MaxWorkers %d", p.StartServers, p.MaxWorkers)
			}
		})
	}
}

func TestComputeWorkerWithoutEvent(t *testing.T) {
	p := Compute(200, 4, Caps{})
	if p.MPM != Worker {
		t.Fatalf("MPM = %s, want worker", p.MPM)
	}
	if p.Servers*p.Threads < 200 {
		t.Errorf("plan does not cover concurrency: %+v", p)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute(750, 12, Caps{Event: true})
	b := Compute(750, 12, Caps{Event: true})
	if a != b {
		t.Errorf("Compute() not deterministic: %+v vs %+v", a, b)
	}
}
