package sandbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Install statuses.
const (
	InstallStatusInstalling = "installing"
	InstallStatusSuccess    = "success"
	InstallStatusFailed     = "failed"
)

// InstallRecord is the in-memory status of one (sandbox, package)
// installation attempt. Values handed out of the table are copies, so
// readers never observe a half-written record.
type InstallRecord struct {
	ID         string     `json:"record_id"`
	Package    string     `json:"package"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	StdoutTail string     `json:"stdout_tail,omitempty"`
	StderrTail string     `json:"stderr_tail,omitempty"`
}

// installTable holds install records keyed by sandbox id then package name.
// The per-sandbox lock serializes the absent|terminal -> installing
// transition; the table's own mutex additionally makes lock-free status
// reads safe.
type installTable struct {
	mu      sync.RWMutex
	records map[string]map[string]*InstallRecord
}

func newInstallTable() *installTable {
	return &installTable{records: make(map[string]map[string]*InstallRecord)}
}

// begin transitions (sandboxID, pkg) to installing. When an installation is
// already in flight the existing record is returned with started=false, so
// concurrent callers join the same job.
func (t *installTable) begin(sandboxID, pkg string) (rec InstallRecord, started bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byPkg, ok := t.records[sandboxID]
	if !ok {
		byPkg = make(map[string]*InstallRecord)
		t.records[sandboxID] = byPkg
	}

	if existing, ok := byPkg[pkg]; ok && existing.Status == InstallStatusInstalling {
		return *existing, false
	}

	fresh := &InstallRecord{
		ID:        uuid.NewString(),
		Package:   pkg,
		Status:    InstallStatusInstalling,
		StartedAt: time.Now().UTC(),
	}
	byPkg[pkg] = fresh
	return *fresh, true
}

// complete moves the record to a terminal status with the captured tails.
func (t *installTable) complete(sandboxID, pkg, status, stdoutTail, stderrTail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byPkg, ok := t.records[sandboxID]
	if !ok {
		return
	}
	rec, ok := byPkg[pkg]
	if !ok {
		return
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.FinishedAt = &now
	rec.StdoutTail = stdoutTail
	rec.StderrTail = stderrTail
}

// get returns a copy of the record, if any.
func (t *installTable) get(sandboxID, pkg string) (InstallRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rec, ok := t.records[sandboxID][pkg]; ok {
		return *rec, true
	}
	return InstallRecord{}, false
}

// dropSandbox removes every record of a reaped sandbox.
func (t *installTable) dropSandbox(sandboxID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, sandboxID)
}
