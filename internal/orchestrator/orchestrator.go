// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchestrator implements the engine orchestrator (spec.md §4.5,
// C7): the verbs the IPC layer drives — bootstrap, teardown, apply,
// remove-all, demo-block, simulate — each wrapped in a PFF transaction
// with guaranteed abort on every error path. It is the one place that
// holds an open pff.Engine; the IPC server, the file watcher, and the
// startup LKG applier all call through this same entry point, so there
// are no back-references from it to any of them (§9 cyclic-ownership
// avoidance).
package orchestrator

import (
	"strings"
	"time"

	"grimm.is/trafficctl/internal/compiler"
	"grimm.is/trafficctl/internal/constants"
	"grimm.is/trafficctl/internal/diffcomp"
	wfperrors "grimm.is/trafficctl/internal/errors"
	"grimm.is/trafficctl/internal/filter"
	"grimm.is/trafficctl/internal/logging"
	"grimm.is/trafficctl/internal/metrics"
	"grimm.is/trafficctl/internal/pff"
	"grimm.is/trafficctl/internal/policy"
)

// Orchestrator owns the PFF engine session for its lifetime, serializing
// every bootstrap/teardown/apply/rollback through it — the "simplest
// correct implementation" §5 describes: a single serial worker holding
// one engine handle. Callers (the IPC worker goroutine, the file watcher,
// the startup applier) must not call concurrently; nothing here takes an
// internal lock because the spec assigns that serialization to the
// caller's single worker, not to this type.
type Orchestrator struct {
	Engine  pff.Engine
	Log     *logging.Logger
	Metrics *metrics.Metrics
}

// New returns an Orchestrator over an already-open engine session.
func New(engine pff.Engine, log *logging.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{Engine: engine, Log: log, Metrics: m}
}

// BootstrapResult is §4.5.1's response shape.
type BootstrapResult struct {
	ProviderExists bool
	SublayerExists bool
}

// Bootstrap is idempotent: it adds our provider and sublayer if absent,
// treating AlreadyExists as success (§4.5.1).
func (o *Orchestrator) Bootstrap() (BootstrapResult, error) {
	var res BootstrapResult
	err := pff.WithTransaction(o.Engine, func(tx pff.Transaction) error {
		if err := swallowAlreadyExists(o.Engine.AddProvider(constants.ProviderKey, constants.ServiceName)); err != nil {
			return err
		}
		if err := swallowAlreadyExists(o.Engine.AddSublayer(
			constants.SublayerKey, constants.ServiceName+" sublayer",
			constants.SublayerWeight, constants.ProviderKey)); err != nil {
			return err
		}
		res.ProviderExists = true
		res.SublayerExists = true
		return nil
	})
	return res, err
}

// Teardown is idempotent: deletes the sublayer then the provider, treating
// NotFound as success. It never attempts the provider delete if the
// sublayer delete failed (§4.5.2).
func (o *Orchestrator) Teardown() error {
	return pff.WithTransaction(o.Engine, func(tx pff.Transaction) error {
		if err := swallowNotFound(o.Engine.DeleteSublayer(constants.SublayerKey)); err != nil {
			return err
		}
		return swallowNotFound(o.Engine.DeleteProvider(constants.ProviderKey))
	})
}

// ApplyResult is the response shape for apply (§6.2 example, §4.10 table).
type ApplyResult struct {
	FiltersCreated int
	FiltersRemoved int
	RulesSkipped   int
	TotalRules     int
	PolicyVersion  string
	Warnings       []string
}

// Apply reconciles observed PFF state to v's compiled filters (§4.5.3).
// When the diff is empty it returns without opening a transaction at all
// — the critical idempotency fast path (P3).
func (o *Orchestrator) Apply(v *policy.Validated) (ApplyResult, error) {
	start := time.Now()
	res := ApplyResult{
		PolicyVersion: v.Policy.Version,
		TotalRules:    len(v.Policy.Rules),
	}

	compiled := compiler.Compile(v)
	for _, w := range compiled.Warnings {
		res.Warnings = append(res.Warnings, w.RuleID+": "+w.Message)
		res.RulesSkipped++
	}
	if len(compiled.Errors) > 0 {
		err := wfperrors.Wrap(compiled.Errors[0], wfperrors.KindInvalidPolicy, "policy failed to compile")
		o.observeApply("error", start, -1)
		return res, err
	}

	observed, err := o.Engine.EnumerateFiltersInSublayer(constants.SublayerKey)
	if err != nil {
		o.observeApply("error", start, -1)
		return res, err
	}

	diff := diffcomp.Compute(compiled.Filters, observed)
	if diff.IsEmpty() {
		o.observeApply("noop", start, len(observed))
		return res, nil
	}

	err = pff.WithTransaction(o.Engine, func(tx pff.Transaction) error {
		for _, key := range diff.ToRemove {
			if err := swallowNotFound(o.Engine.DeleteFilterByKey(key)); err != nil {
				return err
			}
			res.FiltersRemoved++
		}
		for i := range diff.ToAdd {
			cf := diff.ToAdd[i]
			if cf.ProcessPath != "" {
				devicePath, terr := o.Engine.TranslateProcessPath(cf.ProcessPath)
				if terr != nil {
					// §4.6 / §9: drop the condition and warn, still install
					// the filter — documented behavior, not an error.
					cf.ProcessDropped = true
					cf.ProcessPath = ""
					res.Warnings = append(res.Warnings,
						cf.RuleID+": process path translation failed, installing filter without process condition")
				} else {
					cf.ProcessDevicePath = devicePath
				}
			}
			if _, err := o.Engine.AddFilter(cf); err != nil {
				return err
			}
			res.FiltersCreated++
		}
		return nil
	})
	if err != nil {
		o.observeApply("error", start, -1)
		return res, err
	}

	o.observeApply("success", start, len(observed)-res.FiltersRemoved+res.FiltersCreated)
	return res, nil
}

func (o *Orchestrator) observeApply(outcome string, start time.Time, installed int) {
	if o.Metrics != nil {
		o.Metrics.ObserveApply(outcome, time.Since(start), installed)
	}
}

// RemoveAll deletes every filter in our sublayer (§4.5.4 — the "rollback"
// verb). Enumeration happens outside the transaction; deletion happens
// inside one. FilterNotFound is tolerated so a racing delete never fails
// the whole operation.
func (o *Orchestrator) RemoveAll() (int, error) {
	observed, err := o.Engine.EnumerateFiltersInSublayer(constants.SublayerKey)
	if err != nil {
		return 0, err
	}
	if len(observed) == 0 {
		return 0, nil
	}

	removed := 0
	err = pff.WithTransaction(o.Engine, func(tx pff.Transaction) error {
		for _, f := range observed {
			if err := swallowNotFound(o.Engine.DeleteFilterByID(f.RuntimeID)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if o.Metrics != nil {
		o.Metrics.ObserveRollback()
	}
	return removed, err
}

// demoBlockKey is the fixed filter key the demo-block verb installs and
// removes, independent of any user policy (§4.5.5).
const demoBlockKey = "a1b2c3d4-e5f6-4789-9abc-def012345678"

// demoBlockFilter is the hardcoded outbound-tcp-block-to-a-sinkhole filter
// demo-block installs to exercise the pipeline end-to-end.
func demoBlockFilter() filter.Compiled {
	return filter.Compiled{
		Key:         demoBlockKey,
		RuleID:      "demo-block",
		DisplayName: "trafficctl demo block",
		Description: "fixed demo filter verifying the apply pipeline end to end",
		Action:      "block",
		Direction:   "outbound",
		Layer:       filter.LayerALEAuthorizeConnectV4,
		ProtocolByte: 6, // tcp
		RemoteIP:    &filter.IPCondition{Address: "203.0.113.1", Prefix: 32}, // TEST-NET-3, RFC 5737
		RemotePort:  &filter.PortCondition{Lo: 9, Hi: 9},                    // discard port
		Weight:      1000,
	}
}

// DemoBlockEnable adds the fixed demo filter, idempotently.
func (o *Orchestrator) DemoBlockEnable() error {
	exists, err := o.Engine.FilterExists(demoBlockKey)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return pff.WithTransaction(o.Engine, func(tx pff.Transaction) error {
		_, err := o.Engine.AddFilter(demoBlockFilter())
		return err
	})
}

// DemoBlockDisable removes the fixed demo filter, tolerating its absence.
func (o *Orchestrator) DemoBlockDisable() error {
	return pff.WithTransaction(o.Engine, func(tx pff.Transaction) error {
		return swallowNotFound(o.Engine.DeleteFilterByKey(demoBlockKey))
	})
}

// DemoBlockStatus reports whether the fixed demo filter is installed.
func (o *Orchestrator) DemoBlockStatus() (bool, error) {
	return o.Engine.FilterExists(demoBlockKey)
}

// swallowAlreadyExists treats the orchestrator-layer AlreadyExists outcome
// (KindInvalidState with an "already exists" message — see pff.Fake and
// the Real engine's own fwpEAlreadyExists handling) as success (§4.4, §7).
func swallowAlreadyExists(err error) error {
	if err == nil {
		return nil
	}
	if wfperrors.GetKind(err) == wfperrors.KindInvalidState && strings.Contains(strings.ToLower(err.Error()), "already") {
		return nil
	}
	return err
}

// swallowNotFound treats NotFound/FilterNotFound as success during delete
// operations — race tolerance per §4.4 and §7's "idempotent outcomes are
// swallowed at the orchestrator layer" rule.
func swallowNotFound(err error) error {
	if err == nil {
		return nil
	}
	if wfperrors.GetKind(err) == wfperrors.KindNotFound {
		return nil
	}
	return err
}
