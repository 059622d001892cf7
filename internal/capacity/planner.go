// Package capacity turns a single "max concurrency" knob into an MPM choice
// and its process/thread tuning.
package capacity

// MPM is the Apache multi-processing module.
type MPM string

const (
	Prefork MPM = "prefork" // single-process, single-thread children
	Worker  MPM = "worker"  // multi-process, multi-thread
	Event   MPM = "event"   // hybrid, threaded with async keep-alive
)

const (
	ServersPerCPU      = 2
	MinServers         = 2
	MinThreadsPerChild = 4
	MaxThreadsPerChild = 64
	SpareCap           = 64
)

// Caps are the OS capability flags relevant to MPM selection.
type Caps struct {
	// PreforkDefault is set when the OS ships prefork as its only supported MPM.
	PreforkDefault bool
	// Event is set when the event MPM is available.
	Event bool
	// EmbeddedInterpreter is set when an in-process interpreter (mod_php) is
	// loaded; it is only safe under prefork.
	EmbeddedInterpreter bool
}

// Plan is the selected MPM and its tuning.
type Plan struct {
	MPM          MPM
	Servers      int // ServerLimit / MaxRequestWorkers under prefork
	Threads      int // ThreadsPerChild, 1 under prefork
	MaxWorkers   int // MaxRequestWorkers
	StartServers int
	MinSpare     int // MinSpareServers (prefork) or MinSpareThreads
	MaxSpare     int // MaxSpareServers (prefork) or MaxSpareThreads
}

// PerProcess is the number of concurrent requests one child process can serve.
// The concurrency probe multiplies the live child count by it.
func (p Plan) PerProcess() int {
	if p.MPM == Prefork || p.Threads < 1 {
		return 1
	}
	return p.Threads
}

// Threaded reports whether the plan uses a threaded MPM.
func (p Plan) Threaded() bool {
	return p.MPM != Prefork
}

// Spares returns the max/min spare thresholds for concurrency c.
func Spares(c int) (maxSpare, minSpare int) {
	maxSpare = c / 10
	if maxSpare > SpareCap {
		maxSpare = SpareCap
	}
	minSpare = (maxSpare + 1) / 2
	if minSpare < 1 {
		minSpare = 1
	}
	if maxSpare <= minSpare {
		maxSpare = minSpare + 1
	}
	return maxSpare, minSpare
}

// Threaded computes the threaded process/thread split for concurrency c on
// cpus processors. servers*threads >= c always holds.
func Threaded(c, cpus int) (servers, threads int) {
	if c < 1 {
		c = 1
	}
	if cpus < 1 {
		cpus = 1
	}
	servers = cpus * ServersPerCPU
	if servers < MinServers {
		servers = MinServers
	}
	threads = ceilDiv(c, servers)
	if threads < MinThreadsPerChild {
		threads = MinThreadsPerChild
		servers = ceilDiv(c, threads)
	}
	if threads > MaxThreadsPerChild {
		threads = MaxThreadsPerChild
		servers = ceilDiv(c, threads)
	}
	return servers, threads
}

// Compute selects the MPM for concurrency c on cpus processors.
func Compute(c, cpus int, caps Caps) Plan {
	if c < 1 {
		c = 1
	}
	maxSpare, minSpare := Spares(c)
	servers, threads := Threaded(c, cpus)

	if caps.PreforkDefault || caps.EmbeddedInterpreter || servers < MinServers || threads < MinThreadsPerChild {
		start := minSpare
		if start > c {
			start = c
		}
		return Plan{
			MPM:          Prefork,
			Servers:      c,
			Threads:      1,
			MaxWorkers:   c,
			StartServers: start,
			MinSpare:     minSpare,
			MaxSpare:     maxSpare,
		}
	}

	mpm := Event
	if !caps.Event {
		mpm = Worker
	}
	start := ceilDiv(minSpare, threads)
	if start < 1 {
		start = 1
	}
	if start > servers {
		start = servers
	}
	return Plan{
		MPM:          mpm,
		Servers:      servers,
		Threads:      threads,
		MaxWorkers:   servers * threads,
		StartServers: start,
		MinSpare:     minSpare,
		MaxSpare:     maxSpare,
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
