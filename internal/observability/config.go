package observability

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	// EnablePprof mounts the runtime profiler under /debug/pprof/.
	EnablePprof bool
}
