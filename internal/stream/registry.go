package stream

// OutputSink receives the auxiliary outputs of one session's handler.
type OutputSink func(v any)

// Registry tracks live sessions by identifier.
//
// Register is called when a session starts, and again if the client repeats
// start; CleanUp is called exactly once when the session ends (the id is empty
// if the session never started). AdditionalOutputs is asked once per start for
// the sink receiving the session's auxiliary outputs.
type Registry interface {
	Register(id string, s *Session)
	CleanUp(id string)
	AdditionalOutputs(id string) OutputSink
}
