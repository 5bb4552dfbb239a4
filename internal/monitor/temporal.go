package monitor

import "fmt"

// inferred is the confidence of a violation that rests on the run ending
// before the property was settled.
const inferred = 0.8

type stateProperty struct {
	name string
	kind Kind
	sev  Severity
	pred Predicate
}

// Invariant must hold at every step.
func Invariant(name string, sev Severity, pred Predicate) Property {
	return &stateProperty{name: name, kind: KindInvariant, sev: sev, pred: pred}
}

// Always is the temporal form of Invariant.
func Always(name string, sev Severity, pred Predicate) Property {
	return &stateProperty{name: name, kind: KindTemporal, sev: sev, pred: pred}
}

func (p *stateProperty) Name() string { return p.name }

func (p *stateProperty) Check(s Step) []Violation {
	ok, state := p.pred(s)
	if ok {
		return nil
	}
	return []Violation{{
		Property:   p.name,
		Kind:       p.kind,
		Severity:   p.sev,
		Confidence: 1,
		DetectedAt: s.Tick,
		State:      state,
		Detail:     "condition does not hold",
	}}
}

type eventually struct {
	name      string
	sev       Severity
	pred      Predicate
	within    uint64
	start     uint64
	started   bool
	satisfied bool
	reported  bool
}

// Eventually must hold at some step. With within > 0 it must hold within
// that many ticks of the first step; otherwise the run's end is the
// deadline.
func Eventually(name string, sev Severity, within uint64, pred Predicate) Property {
	return &eventually{name: name, sev: sev, within: within, pred: pred}
}

func (p *eventually) Name() string { return p.name }

func (p *eventually) Check(s Step) []Violation {
	if p.satisfied || p.reported {
		return nil
	}
	if !p.started {
		p.start, p.started = s.Tick, true
	}
	ok, state := p.pred(s)
	if ok {
		p.satisfied = true
		return nil
	}
	switch {
	case p.within > 0 && s.Tick-p.start >= p.within:
		p.reported = true
		return []Violation{{
			Property:   p.name,
			Kind:       KindTemporal,
			Severity:   p.sev,
			Confidence: 1,
			DetectedAt: s.Tick,
			State:      state,
			Detail:     fmt.Sprintf("not reached within %d ticks", p.within),
		}}
	case s.Final:
		p.reported = true
		return []Violation{{
			Property:   p.name,
			Kind:       KindTemporal,
			Severity:   p.sev,
			Confidence: inferred,
			DetectedAt: s.Tick,
			State:      state,
			Detail:     "not reached before the run ended",
		}}
	}
	return nil
}

type until struct {
	name     string
	sev      Severity
	hold     Predicate
	release  Predicate
	released bool
	reported bool
}

// Until requires hold at every step until release holds, and release to
// hold eventually.
func Until(name string, sev Severity, hold, release Predicate) Property {
	return &until{name: name, sev: sev, hold: hold, release: release}
}

func (p *until) Name() string { return p.name }

func (p *until) Check(s Step) []Violation {
	if p.released || p.reported {
		return nil
	}
	if ok, _ := p.release(s); ok {
		p.released = true
		return nil
	}
	if ok, state := p.hold(s); !ok {
		p.reported = true
		return []Violation{{
			Property:   p.name,
			Kind:       KindTemporal,
			Severity:   p.sev,
			Confidence: 1,
			DetectedAt: s.Tick,
			State:      state,
			Detail:     "condition failed before its release",
		}}
	}
	if s.Final {
		p.reported = true
		return []Violation{{
			Property:   p.name,
			Kind:       KindTemporal,
			Severity:   p.sev,
			Confidence: inferred,
			DetectedAt: s.Tick,
			Detail:     "release never reached",
		}}
	}
	return nil
}
