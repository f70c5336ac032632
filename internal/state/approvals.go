package state

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agxlabs/agx/internal/fsatomic"
)

// Approval is one human sign-off request.
type Approval struct {
	ID        string `json:"id"` // appr_<hex>
	Title     string `json:"title"`
	NodeID    string `json:"node_id,omitempty"`
	CreatedAt string `json:"created_at"`
	DecidedAt string `json:"decided_at,omitempty"`
}

type Approvals struct {
	Pending  []Approval `json:"pending"`
	Approved []Approval `json:"approved"`
	Rejected []Approval `json:"rejected"`
}

func newApprovalID() string {
	u := uuid.New()
	return "appr_" + hex.EncodeToString(u[:])
}

// ReadApprovals returns approvals.json, empty when absent.
func (f Files) ReadApprovals() (Approvals, error) {
	var a Approvals
	if _, err := fsatomic.ReadJSON(f.Layout.ApprovalsFile(f.Project, f.Task), &a); err != nil {
		return Approvals{}, err
	}
	return a, nil
}

func (f Files) writeApprovals(a Approvals) error {
	return fsatomic.WriteJSON(f.Layout.ApprovalsFile(f.Project, f.Task), a)
}

// AddPendingApproval appends a new pending approval and returns its id.
func (f Files) AddPendingApproval(title, nodeID string) (string, error) {
	a, err := f.ReadApprovals()
	if err != nil {
		return "", err
	}
	appr := Approval{
		ID:        newApprovalID(),
		Title:     title,
		NodeID:    nodeID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	a.Pending = append(a.Pending, appr)
	if err := f.writeApprovals(a); err != nil {
		return "", err
	}
	return appr.ID, nil
}

// ApproveApproval moves id from pending to approved.
func (f Files) ApproveApproval(id string) error {
	return f.decide(id, true)
}

// RejectApproval moves id from pending to rejected.
func (f Files) RejectApproval(id string) error {
	return f.decide(id, false)
}

func (f Files) decide(id string, approve bool) error {
	a, err := f.ReadApprovals()
	if err != nil {
		return err
	}
	idx := -1
	for i, appr := range a.Pending {
		if appr.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("approval not pending: %s", id)
	}
	appr := a.Pending[idx]
	appr.DecidedAt = time.Now().UTC().Format(time.RFC3339)
	a.Pending = append(a.Pending[:idx], a.Pending[idx+1:]...)
	if approve {
		a.Approved = append(a.Approved, appr)
	} else {
		a.Rejected = append(a.Rejected, appr)
	}
	return f.writeApprovals(a)
}
