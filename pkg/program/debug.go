package program

import (
	"github.com/go-go-golems/enochian/pkg/telemetry"
	"github.com/google/uuid"
)

// SetDebugInfo replaces the debug context. Nil disables telemetry.
func (s *State) SetDebugInfo(d *telemetry.DebugInfo) *State {
	s.debug = d.Clone()
	return s
}

// DebugInfo returns a copy of the debug context, or nil.
func (s *State) DebugInfo() *telemetry.DebugInfo {
	return s.debug.Clone()
}

// BeginDebugRegion names the requests that follow. Generations report their
// requests and responses under name and promptID until EndDebugRegion.
// An empty promptID is assigned on the first generation of the region.
func (s *State) BeginDebugRegion(name string, promptID string) *State {
	if s.debug == nil {
		s.debug = telemetry.NewDebugInfo()
	}
	s.debug.Name = name
	s.debug.PromptID = promptID
	return s
}

func (s *State) EndDebugRegion() *State {
	if s.debug == nil {
		return s
	}
	s.debug.Name = ""
	s.debug.PromptID = ""
	return s
}

// region returns the telemetry region for the next generation, or nil outside of a debug region.
func (s *State) region() *telemetry.Region {
	if s.debug == nil || s.debug.Name == "" {
		return nil
	}
	if s.debug.PromptID == "" {
		s.debug.PromptID = uuid.NewString()
	}
	if s.sink == nil {
		s.sink = telemetry.NewHTTPSink(s.debug.URL())
	}
	return &telemetry.Region{
		Name:     s.debug.Name,
		PromptID: s.debug.PromptID,
		Sink:     s.sink,
	}
}
