package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"smokestack/internal/domain"
)

// SinkStore is the subset of internal/store.Store the dispatcher needs to
// read and update registered system sinks.
type SinkStore interface {
	ListSinks() []domain.SystemSink
	PutSink(domain.SystemSink)
}

// SinkDispatcher offers every published event to registered SystemSinks,
// evaluating each sink's CEL event_filter and delivering matches over HTTP
// with bounded retry. A sink that reaches its failure threshold is marked
// degraded, but events are never dropped from the history log on its
// account. Delivery to a degraded sink is still attempted for every
// matching event, and one successful delivery clears the flag.
type SinkDispatcher struct {
	store   SinkStore
	client  *http.Client
	timeout time.Duration
	backoff time.Duration
	degradeAfter int

	mu      sync.Mutex
	filters map[string]cel.Program
}

// NewSinkDispatcher builds a dispatcher using timeout per delivery attempt,
// backoff between retries, and degradeAfter consecutive failures before a
// sink is marked degraded.
func NewSinkDispatcher(store SinkStore, timeout, backoff time.Duration, degradeAfter int) *SinkDispatcher {
	return &SinkDispatcher{
		store:        store,
		client:       &http.Client{Timeout: timeout},
		timeout:      timeout,
		backoff:      backoff,
		degradeAfter: degradeAfter,
		filters:      make(map[string]cel.Program),
	}
}

var celEnv = mustCELEnv()

func mustCELEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("components", cel.ListType(cel.StringType)),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("events: build cel env: %v", err))
	}
	return env
}

func (d *SinkDispatcher) program(sinkID, expr string) (cel.Program, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.filters[sinkID+"\x00"+expr]; ok {
		return p, nil
	}
	ast, iss := celEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile event_filter for sink %s: %w", sinkID, iss.Err())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("plan event_filter for sink %s: %w", sinkID, err)
	}
	d.filters[sinkID+"\x00"+expr] = prg
	return prg, nil
}

func (d *SinkDispatcher) matches(sk domain.SystemSink, evt domain.Event) bool {
	if sk.Selector != "" {
		if !evt.Operation.HasComponent(sk.Selector) && !evt.Operation.HasTag(sk.Selector) {
			return false
		}
	}
	if sk.EventFilter == "" {
		return true
	}
	prg, err := d.program(sk.ID, sk.EventFilter)
	if err != nil {
		log.Printf("events: sink %s: %v", sk.ID, err)
		return false
	}
	out, _, err := prg.Eval(map[string]any{
		"kind":       string(evt.Kind),
		"actor":      evt.Actor,
		"components": evt.Operation.Components,
		"tags":       evt.Operation.Tags,
		"from":       string(evt.From),
		"to":         string(evt.To),
	})
	if err != nil {
		log.Printf("events: sink %s: evaluate event_filter: %v", sk.ID, err)
		return false
	}
	b, ok := out.Value().(bool)
	if !ok {
		log.Printf("events: sink %s: event_filter did not evaluate to a bool", sk.ID)
		return false
	}
	return b
}

// Offer evaluates evt against every registered sink and delivers matches
// asynchronously, so a slow or unreachable sink never blocks the writer or
// the bus.
func (d *SinkDispatcher) Offer(evt domain.Event) {
	for _, sk := range d.store.ListSinks() {
		if !d.matches(sk, evt) {
			continue
		}
		go d.deliver(sk, evt)
	}
}

const maxDeliveryAttempts = 3

func (d *SinkDispatcher) deliver(sk domain.SystemSink, evt domain.Event) {
	body, err := json.Marshal(sinkPayload{
		Kind:      string(evt.Kind),
		Timestamp: evt.Timestamp,
		Actor:     evt.Actor,
		Operation: evt.Operation,
		From:      string(evt.From),
		To:        string(evt.To),
	})
	if err != nil {
		log.Printf("events: sink %s: marshal payload: %v", sk.ID, err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxDeliveryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(d.backoff * time.Duration(attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		lastErr = d.post(ctx, sk, body)
		cancel()
		if lastErr == nil {
			d.recordSuccess(sk)
			return
		}
	}
	log.Printf("events: sink %s: delivery failed after %d attempts: %v", sk.ID, maxDeliveryAttempts, lastErr)
	d.recordFailure(sk)
}

func (d *SinkDispatcher) post(ctx context.Context, sk domain.SystemSink, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sk.DeliveryTarget, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Smokestack-Sink", sk.ID)
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("sink returned status %d", res.StatusCode)
	}
	return nil
}

func (d *SinkDispatcher) recordSuccess(sk domain.SystemSink) {
	sk.Failures = 0
	sk.Degraded = false
	d.store.PutSink(sk)
}

func (d *SinkDispatcher) recordFailure(sk domain.SystemSink) {
	sk.Failures++
	if sk.Failures >= d.degradeAfter {
		sk.Degraded = true
	}
	d.store.PutSink(sk)
}

type sinkPayload struct {
	Kind      string           `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	Actor     string           `json:"actor"`
	Operation domain.Operation `json:"operation"`
	From      string           `json:"from,omitempty"`
	To        string           `json:"to,omitempty"`
}
