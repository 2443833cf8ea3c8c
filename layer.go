// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"syscall"

	"github.com/pkg/errors"

	"github.com/sandboxlib/sandbox/sandboxsig"
)

// A Handler emulates one call signature. It receives the decoded arguments
// via c and returns the result value, whose tag must match the signature's
// declared return tag.
//
// A returned syscall.Errno is a guest-visible failure: the kernel sets the
// virtual errno and replies with the failure sentinel. Any other non-nil
// error is fatal to the session.
type Handler func(c *Call) (sandboxsig.Value, error)

// A Layer bundles handlers for a subset of signatures. Layers compose by
// stacking: for each signature the topmost definition is the effective
// entry, and each shadowed definition remains reachable from the handler
// above it through Call.Delegate.
//
// This replaces the mixin inheritance of the original design with an
// explicit ordered list; resolution is a table built once at session start.
type Layer interface {
	// Name returns a short identifier used in diagnostics.
	Name() string

	// Handlers returns the signature -> handler table this layer provides.
	// Called once, during session construction.
	Handlers() map[sandboxsig.Signature]Handler
}

// A Call carries one decoded request through the handler stack.
type Call struct {
	// The signature being emulated and its decoded arguments, one value per
	// argument tag.
	Sig  sandboxsig.Signature
	Args []sandboxsig.Value

	// The session facilities: virtual heap, errno slot, logging.
	Proc *Proc

	chain []Handler
	depth int
}

// Delegate invokes the handler the caller's layer shadows, i.e. the next
// definition of the same signature further down the stack. With nothing left
// to delegate to, it reports ENOSYS to the guest.
func (c *Call) Delegate() (sandboxsig.Value, error) {
	if c.depth+1 >= len(c.chain) {
		return sandboxsig.Value{}, syscall.ENOSYS
	}

	next := &Call{
		Sig:   c.Sig,
		Args:  c.Args,
		Proc:  c.Proc,
		chain: c.chain,
		depth: c.depth + 1,
	}

	return c.chain[next.depth](next)
}

// FailingHandler returns a handler that sets the given errno and returns the
// supplied value, which must be the kind of failure result the signature's
// return tag calls for. It panics if returns doesn't match the declared
// return type; layers assemble their tables at construction time, so the
// mistake surfaces eagerly.
func FailingHandler(
	sig sandboxsig.Signature,
	errno syscall.Errno,
	returns sandboxsig.Value) Handler {
	if err := sig.Check(); err != nil {
		panic(err)
	}

	if returns.Tag != sig.Ret() {
		panic(errors.Errorf(
			"%s: 'returns' should be of type %q, not %q",
			sig, sig.Ret(), returns.Tag))
	}

	return func(c *Call) (sandboxsig.Value, error) {
		return returns, errno
	}
}

// resolveLayers builds the effective dispatch table for a stack of layers,
// listed from top to bottom. The chain for each signature holds every
// definition in stack order, so handlers can delegate downward.
func resolveLayers(layers []Layer) (map[sandboxsig.Signature][]Handler, error) {
	table := make(map[sandboxsig.Signature][]Handler)

	for _, layer := range layers {
		for sig, h := range layer.Handlers() {
			if err := sig.Check(); err != nil {
				return nil, errors.Wrapf(err, "layer %q", layer.Name())
			}
			if h == nil {
				return nil, errors.Errorf(
					"layer %q: nil handler for %s", layer.Name(), sig)
			}

			table[sig] = append(table[sig], h)
		}
	}

	return table, nil
}
