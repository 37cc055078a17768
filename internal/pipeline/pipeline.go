// Package pipeline is an ordered chain of named message stages. A pipeline is
// owned by a single goroutine; it is not safe for concurrent use.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/tjrbrom/forge/internal/protocol"
)

var (
	ErrDuplicateStage = errors.New("stage already present")
	ErrNoStage        = errors.New("no such stage")
)

// Stage inspects or transforms a message. Returning false stops the message
// from reaching later stages.
type Stage interface {
	Name() string
	Process(m protocol.Message) (protocol.Message, bool)
}

type funcStage struct {
	name string
	fn   func(protocol.Message) (protocol.Message, bool)
}

func (s funcStage) Name() string { return s.name }

func (s funcStage) Process(m protocol.Message) (protocol.Message, bool) { return s.fn(m) }

// Func builds a stage from a function.
func Func(name string, fn func(protocol.Message) (protocol.Message, bool)) Stage {
	return funcStage{name: name, fn: fn}
}

// Observe builds a stage that sees every message and always passes it on.
func Observe(name string, fn func(protocol.Message)) Stage {
	return Func(name, func(m protocol.Message) (protocol.Message, bool) {
		fn(m)
		return m, true
	})
}

// Drop builds a stage that swallows everything.
func Drop(name string) Stage {
	return Func(name, func(protocol.Message) (protocol.Message, bool) { return nil, false })
}

type Pipeline struct {
	stages []Stage
}

func New(stages ...Stage) *Pipeline {
	p := &Pipeline{}
	for _, s := range stages {
		// Duplicate names in the constructor are a programming error.
		if err := p.AddLast(s); err != nil {
			panic(err)
		}
	}
	return p
}

func (p *Pipeline) AddFirst(s Stage) error {
	if p.Has(s.Name()) {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, s.Name())
	}
	p.stages = append([]Stage{s}, p.stages...)
	return nil
}

func (p *Pipeline) AddLast(s Stage) error {
	if p.Has(s.Name()) {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, s.Name())
	}
	p.stages = append(p.stages, s)
	return nil
}

func (p *Pipeline) Remove(name string) error {
	for i, s := range p.stages {
		if s.Name() == name {
			p.stages = append(p.stages[:i:i], p.stages[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoStage, name)
}

func (p *Pipeline) Has(name string) bool {
	for _, s := range p.stages {
		if s.Name() == name {
			return true
		}
	}
	return false
}

// Names lists stage names in processing order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run pushes m through every stage in order. It reports false if a stage
// stopped the message.
func (p *Pipeline) Run(m protocol.Message) (protocol.Message, bool) {
	for _, s := range p.stages {
		var ok bool
		if m, ok = s.Process(m); !ok {
			return nil, false
		}
	}
	return m, true
}
