package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultMaxRounds   = 12
	defaultToolTimeout = 120 * time.Second
)

// ToolCatalog is the external tool-execution collaborator. Resolve maps a
// tool name to the server that provides it; Call executes it. Both are
// fallible; the engine wraps Call with its own timeout, independent of any
// timeout inside the collaborator.
type ToolCatalog interface {
	Resolve(name string) (server string, ok bool)
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Sink receives the turn's outbound side effects. Relay gets every raw
// upstream chunk, in order and unaltered. Update gets a best-effort snapshot
// after each decoded delta and after each tool invocation; it must not block.
type Sink interface {
	Relay(chunk []byte) error
	Update(snapshot AccumulatedResponse)
}

// TurnRequest is one client-initiated chat turn.
type TurnRequest struct {
	Provider ProviderRef
	Body     []byte
}

// Engine drives the decode / tool-execution / continuation loop for one turn
// at a time. It holds no per-turn state; a single Engine serves concurrent
// turns.
type Engine struct {
	client      *Client
	tools       ToolCatalog
	maxRounds   int
	toolTimeout time.Duration
}

// EngineOptions tune loop bounds.
type EngineOptions struct {
	MaxRounds   int
	ToolTimeout time.Duration
}

func NewEngine(client *Client, tools ToolCatalog, opts EngineOptions) *Engine {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = defaultToolTimeout
	}
	return &Engine{
		client:      client,
		tools:       tools,
		maxRounds:   opts.MaxRounds,
		toolTimeout: opts.ToolTimeout,
	}
}

// Run executes one turn to completion: stream, decode, execute requested
// tools sequentially, continue, repeat. The returned AccumulatedResponse is
// always populated with whatever was decoded, even when err is non-nil, so
// callers can preserve partial output.
func (e *Engine) Run(ctx context.Context, req TurnRequest, sink Sink) (*AccumulatedResponse, error) {
	acc := &AccumulatedResponse{}
	body := req.Body
	relayBroken := false

	for round := 0; round < e.maxRounds; round++ {
		decoder, err := NewDecoder(req.Provider.Dialect)
		if err != nil {
			return acc, err
		}

		stream, err := e.client.Stream(ctx, req.Provider, body)
		if err != nil {
			return acc, err
		}

		fold := NewAccumulator(req.Provider.Dialect)
		var lines LineBuffer
		buf := make([]byte, 8*1024)
		for {
			n, rerr := stream.Read(buf)
			if n > 0 {
				if sink != nil && !relayBroken {
					if relayErr := sink.Relay(buf[:n]); relayErr != nil {
						// Client gone; keep decoding so the turn can still
						// be persisted and accounted.
						log.Warn().Err(relayErr).Msg("downstream relay failed, continuing decode only")
						relayBroken = true
					}
				}
				for _, line := range lines.Feed(buf[:n]) {
					delta, ok := decoder.Decode(line)
					if !ok {
						continue
					}
					fold.Fold(delta)
					acc.Text = fold.Text()
					acc.Reasoning = fold.Reasoning()
					if sink != nil {
						sink.Update(*acc)
					}
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				stream.Close()
				if ctx.Err() != nil && !errors.Is(rerr, ctx.Err()) {
					rerr = ctx.Err()
				}
				return acc, rerr
			}
		}
		stream.Close()
		if ctx.Err() != nil {
			return acc, ctx.Err()
		}

		acc.Text = fold.Text()
		acc.Reasoning = fold.Reasoning()
		if u := fold.Usage(); u != nil {
			acc.Usage.Add(*u)
		}

		if fold.Finish() == FinishError {
			return acc, &UpstreamError{Status: 0, Body: fold.ErrorMessage()}
		}

		invocations := e.resolveCalls(fold.Calls())
		if len(invocations) == 0 {
			acc.Finished = true
			return acc, nil
		}

		if round == e.maxRounds-1 {
			return acc, &ToolLoopExceededError{Rounds: e.maxRounds}
		}

		e.executeTools(ctx, invocations, acc, sink)
		if ctx.Err() != nil {
			return acc, ctx.Err()
		}

		body, err = AppendToolRound(req.Provider.Dialect, body, acc.Text, invocations)
		if err != nil {
			return acc, err
		}
		acc.ResetSubTurn()
	}

	return acc, &ToolLoopExceededError{Rounds: e.maxRounds}
}

// resolveCalls maps reconstructed calls onto the catalog. A call whose name
// is not in the catalog is discarded silently; it is a no-op for that id.
func (e *Engine) resolveCalls(calls []ToolCall) []ToolInvocation {
	if e.tools == nil {
		return nil
	}
	invocations := make([]ToolInvocation, 0, len(calls))
	for _, call := range calls {
		server, ok := e.tools.Resolve(call.Name)
		if !ok {
			log.Debug().Str("tool", call.Name).Msg("discarding call for unknown tool")
			continue
		}
		invocations = append(invocations, ToolInvocation{
			ID:       call.ID,
			ToolName: call.Name,
			Server:   server,
			Args:     call.Args,
			Status:   StatusInvoking,
		})
	}
	return invocations
}

// executeTools runs one round of invocations sequentially, each under its own
// timeout. A timeout or execution error becomes that invocation's terminal
// error record and never aborts the round; later calls still run. A snapshot
// is pushed after every invocation so partial tool progress is observable.
func (e *Engine) executeTools(ctx context.Context, invocations []ToolInvocation, acc *AccumulatedResponse, sink Sink) {
	for i := range invocations {
		inv := &invocations[i]
		if ctx.Err() != nil {
			inv.Status = StatusError
			inv.Response = "cancelled"
		} else {
			callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
			output, err := e.tools.Call(callCtx, inv.ToolName, inv.Args)
			cancel()
			switch {
			case err != nil && errors.Is(err, context.DeadlineExceeded):
				inv.Status = StatusError
				inv.Response = (&TimeoutError{Phase: "tool", Tool: inv.ToolName}).Error()
				log.Warn().Str("tool", inv.ToolName).Msg("tool call timed out")
			case err != nil:
				inv.Status = StatusError
				inv.Response = "Error: " + err.Error()
				log.Warn().Err(err).Str("tool", inv.ToolName).Msg("tool call failed")
			default:
				inv.Status = StatusDone
				inv.Response = output
			}
		}

		acc.Invocations = append(acc.Invocations, *inv)
		if sink != nil {
			sink.Update(*acc)
		}
	}
}
