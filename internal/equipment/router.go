package equipment

import (
	"lsfw/internal/engine"
	"lsfw/internal/model"
	"lsfw/internal/topology"
)

// Router filters with pf semantics: the last matching rule decides unless a
// quick rule stops the evaluation, and traffic is accepted by default. Rules
// apply to both directions.
type Router struct {
	Device
	eval *engine.Evaluator
}

func NewRouter(name string, arena *topology.Arena) *Router {
	r := &Router{Device: newDevice(name, "router", arena)}
	r.eval = engine.NewEvaluator(name, engine.LastMatch, nil, arena)
	r.filter = r.eval
	return r
}

func (r *Router) SetRules(rules []model.Rule) { r.eval.Rules = rules }

func (r *Router) Rules() []model.Rule { return r.eval.Rules }
