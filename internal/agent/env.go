// Package agent implements the three agent roles on top of the bdi cycle:
// vehicles, signalized intersections and the crisis manager.
package agent

import (
	"errors"
	"log/slog"

	"github.com/ocx/trafficmesh/internal/config"
	"github.com/ocx/trafficmesh/internal/kinematics"
	"github.com/ocx/trafficmesh/internal/messaging"
	"github.com/ocx/trafficmesh/internal/metrics"
	"github.com/ocx/trafficmesh/internal/roadgraph"
	"github.com/ocx/trafficmesh/internal/routing"
)

// Failure kinds counted in the run summary.
const (
	FailNoPath             = "no_path"
	FailUnknownReceiver    = "unknown_receiver"
	FailNegotiationTimeout = "negotiation_timeout"
	FailCacheMiss          = "cache_miss"
	FailKinematics         = "kinematics"
	FailInvariant          = "invariant"
	FailSink               = "sink"
	FailAgent              = "agent"
	FailScenario           = "scenario"
)

// FailureKinds lists every kind in report order.
func FailureKinds() []string {
	return []string{
		FailNoPath, FailUnknownReceiver, FailNegotiationTimeout, FailCacheMiss,
		FailKinematics, FailInvariant, FailSink, FailAgent, FailScenario,
	}
}

// Observer receives discrete events and failures. Implementations must be
// safe for concurrent use.
type Observer interface {
	Event(tick int, typ, agent string, fields map[string]any)
	Failure(kind string, err error)
}

type nopObserver struct{}

func (nopObserver) Event(int, string, string, map[string]any) {}
func (nopObserver) Failure(string, error)                     {}

// Env is everything a role may touch outside its own beliefs.
type Env struct {
	Bus        *messaging.Bus
	Graph      *roadgraph.Graph
	Planner    *routing.Planner
	Kinematics kinematics.Kinematics
	Sensor     kinematics.QueueSensor
	Observer   Observer
	Metrics    *metrics.Metrics
	Config     *config.Config
}

func (e *Env) observer() Observer {
	if e.Observer == nil {
		return nopObserver{}
	}
	return e.Observer
}

// send delivers env and counts an unknown receiver without failing the
// caller.
func (e *Env) send(env messaging.Envelope) {
	if err := e.Bus.Send(env); err != nil {
		e.observer().Failure(FailUnknownReceiver, err)
		if !errors.Is(err, messaging.ErrUnknownReceiver) {
			slog.Warn("send failed", "sender", env.Sender, "error", err)
		}
	}
}

func edgeStrings(ids []roadgraph.EdgeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func edgeIDs(ss []string) []roadgraph.EdgeID {
	out := make([]roadgraph.EdgeID, len(ss))
	for i, s := range ss {
		out[i] = roadgraph.EdgeID(s)
	}
	return out
}

func nodeStrings(ids []roadgraph.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func nodeIDs(ss []string) []roadgraph.NodeID {
	out := make([]roadgraph.NodeID, len(ss))
	for i, s := range ss {
		out[i] = roadgraph.NodeID(s)
	}
	return out
}
