package failover

import (
	"time"

	"github.com/cuemby/pgwarden/pkg/rebuild"
	"github.com/cuemby/pgwarden/pkg/types"
)

// State is a state of an orchestration state machine
type State string

const (
	StateIdle                   State = "idle"
	StateDemotingCurrentPrimary State = "demoting_current_primary"
	StatePromotingTarget        State = "promoting_target"
	StateVerifyingPromotion     State = "verifying_promotion"
	StateReconfiguringStandbys  State = "reconfiguring_standbys"
	StateDemotingNode           State = "demoting_node"
	StateDemotingAll            State = "demoting_all"
	StateVerifyingDemotion      State = "verifying_demotion"
	StateDone                   State = "done"
	StateFailed                 State = "failed"
)

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Operation names what an orchestration run was asked to do
type Operation string

const (
	OperationPromote   Operation = "promote"
	OperationDemote    Operation = "demote"
	OperationDemoteAll Operation = "demote_all"
)

// Action names a single Control Channel interaction within a state
type Action string

const (
	ActionWriteStandbyMarker Action = "write_standby_marker"
	ActionRestart            Action = "restart"
	ActionResumeReplay       Action = "resume_wal_replay"
	ActionPromote            Action = "promote"
	ActionVerify             Action = "verify"
)

// StepOutcome records one action taken during a run
type StepOutcome struct {
	State    State         `json:"state"`
	Node     string        `json:"node"`
	Action   Action        `json:"action"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the structured report of one orchestration run
type Result struct {
	ID              string            `json:"id"`
	Operation       Operation         `json:"operation"`
	Target          string            `json:"target,omitempty"`
	PreviousPrimary string            `json:"previous_primary,omitempty"`
	NewPrimary      string            `json:"new_primary,omitempty"`
	State           State             `json:"state"`
	FailedStep      State             `json:"failed_step,omitempty"`
	Kind            Kind              `json:"kind,omitempty"`
	SafetyViolation bool              `json:"safety_violation"`
	Anomalies       []types.Anomaly   `json:"anomalies,omitempty"`
	Error           string            `json:"error,omitempty"`
	Steps           []StepOutcome     `json:"steps"`
	Rebuilds        []rebuild.Outcome `json:"rebuilds,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
}

// Succeeded reports whether the run reached Done
func (r *Result) Succeeded() bool {
	return r.State == StateDone
}

// FailedRebuilds lists nodes whose standby rebuild did not complete
func (r *Result) FailedRebuilds() []string {
	var out []string
	for _, o := range r.Rebuilds {
		if !o.Success {
			out = append(out, o.Node)
		}
	}
	return out
}
