package planner

import (
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"updatectl/internal/resource"
)

// Operation is one resource update inside a plan. The desired manifest is
// carried so a stored plan stays executable; the prior manifest is
// captured later, at apply time, by the rollback manager.
type Operation struct {
	Resource resource.Ref               `json:"resource"`
	Strategy resource.Strategy          `json:"strategy"`
	Risk     resource.Risk              `json:"risk"`
	Manifest *unstructured.Unstructured `json:"manifest"`
}

// Batch is an ordered list of operations that may execute concurrently.
// No operation in a batch depends on an operation in the same or any later
// batch.
type Batch struct {
	Operations []Operation `json:"operations"`
}

// MaxRisk returns the highest risk among the batch's operations.
func (b Batch) MaxRisk() resource.Risk {
	rank := map[resource.Risk]int{
		resource.RiskLow:      0,
		resource.RiskMedium:   1,
		resource.RiskHigh:     2,
		resource.RiskCritical: 3,
	}
	max := resource.RiskLow
	for _, op := range b.Operations {
		if rank[op.Risk] > rank[max] {
			max = op.Risk
		}
	}
	return max
}

// Plan is an immutable ordered list of batches. Any change to the resource
// set requires a new plan.
type Plan struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	DryRun    bool      `json:"dryRun"`
	Batches   []Batch   `json:"batches"`
}

// TotalOperations counts operations across all batches.
func (p *Plan) TotalOperations() int {
	total := 0
	for _, b := range p.Batches {
		total += len(b.Operations)
	}
	return total
}

// Operation looks up the planned operation for a ref.
func (p *Plan) Operation(ref resource.Ref) (Operation, int, bool) {
	for i, batch := range p.Batches {
		for _, op := range batch.Operations {
			if op.Resource == ref {
				return op, i, true
			}
		}
	}
	return Operation{}, 0, false
}

// Interchange types implement the persisted plan representation consumed
// by other tooling. Manifests are deliberately absent from this view.

type InterchangePlan struct {
	ID              string             `json:"id"`
	CreatedAt       time.Time          `json:"createdAt"`
	TotalOperations int                `json:"totalOperations"`
	TotalBatches    int                `json:"totalBatches"`
	DryRun          bool               `json:"dryRun"`
	Batches         []InterchangeBatch `json:"batches"`
}

type InterchangeBatch struct {
	Operations []InterchangeOperation `json:"operations"`
}

type InterchangeOperation struct {
	Resource resource.Ref      `json:"resource"`
	Strategy resource.Strategy `json:"strategy"`
}

// Interchange renders the plan in the interchange schema.
func (p *Plan) Interchange() InterchangePlan {
	out := InterchangePlan{
		ID:              p.ID,
		CreatedAt:       p.CreatedAt,
		TotalOperations: p.TotalOperations(),
		TotalBatches:    len(p.Batches),
		DryRun:          p.DryRun,
	}
	for _, batch := range p.Batches {
		ib := InterchangeBatch{}
		for _, op := range batch.Operations {
			ib.Operations = append(ib.Operations, InterchangeOperation{
				Resource: op.Resource,
				Strategy: op.Strategy,
			})
		}
		out.Batches = append(out.Batches, ib)
	}
	return out
}
