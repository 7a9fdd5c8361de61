package tool

import (
	"sync"
)

// ToolInvokeObservation captures one logical call outcome.
type ToolInvokeObservation struct {
	ToolName   string
	Action     string
	Tier       string
	Tenant     string
	Attempts   int
	DurationMS int64
	Success    bool
	ErrorCode  string
}

// ToolRetryObservation captures one retry of a logical call.
type ToolRetryObservation struct {
	ToolName  string
	Action    string
	Attempt   int
	ErrorCode string
}

// ArtifactObservation captures one artifact resolution.
type ArtifactObservation struct {
	Location   string
	Source     string
	CacheHit   bool
	Bytes      int
	DurationMS int64
	ErrorCode  string
}

// Observer receives tool-level observability events.
type Observer interface {
	ObserveInvoke(observation ToolInvokeObservation)
	ObserveRetry(observation ToolRetryObservation)
	ObserveArtifact(observation ArtifactObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveInvoke(ToolInvokeObservation) {}
func (noopObserver) ObserveRetry(ToolRetryObservation)   {}
func (noopObserver) ObserveArtifact(ArtifactObservation) {}

var (
	observerMu     sync.RWMutex
	activeObserver Observer = noopObserver{}
)

// SetObserver sets the process-wide tool observability observer.
func SetObserver(observer Observer) {
	observerMu.Lock()
	defer observerMu.Unlock()
	if observer == nil {
		activeObserver = noopObserver{}
		return
	}
	activeObserver = observer
}

func currentObserver() Observer {
	observerMu.RLock()
	defer observerMu.RUnlock()
	return activeObserver
}

// EmitInvoke reports a finished logical call.
func EmitInvoke(observation ToolInvokeObservation) {
	currentObserver().ObserveInvoke(observation)
}

// EmitArtifact reports an artifact resolution.
func EmitArtifact(observation ArtifactObservation) {
	currentObserver().ObserveArtifact(observation)
}

func emitRetryObservation(observation ToolRetryObservation) {
	currentObserver().ObserveRetry(observation)
}
