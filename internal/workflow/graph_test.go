package workflow

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/agentgrid/internal/config"
	"github.com/vk/agentgrid/internal/fault"
)

func step(id string, deps ...string) Step {
	return Step{ID: id, WorkerType: "gpu", Operation: "noop", DependsOn: deps}
}

func TestNew(t *testing.T) {
	t.Run("keeps declaration order", func(t *testing.T) {
		g, err := New("diamond", step("A"), step("B", "A"), step("C", "A"), step("D", "B", "C"))
		require.NoError(t, err)
		assert.Equal(t, "diamond", g.Name())
		assert.Equal(t, 4, g.Len())

		ids := []string{}
		for _, s := range g.Steps() {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []string{"A", "B", "C", "D"}, ids)
		assert.ElementsMatch(t, []string{"B", "C"}, g.Dependents("A"))
	})

	t.Run("error cases", func(t *testing.T) {
		_, err := New("dup", step("A"), step("A"))
		assert.ErrorContains(t, err, "duplicate step id 'A'")
		assert.True(t, errors.Is(err, fault.ErrGraphInvalid))

		_, err = New("empty", step(""))
		assert.ErrorContains(t, err, "empty id")
	})

	t.Run("is immutable", func(t *testing.T) {
		params := map[string]any{"amount": 10.0}
		deps := []string{"A"}
		g := MustNew("copy", step("A"), Step{ID: "B", WorkerType: "gpu", Operation: "noop", Params: params, DependsOn: deps})

		params["amount"] = 99.0
		deps[0] = "Z"
		b, ok := g.Step("B")
		require.True(t, ok)
		assert.Equal(t, 10.0, b.Params["amount"])
		assert.Equal(t, []string{"A"}, b.DependsOn)

		b.Params["amount"] = 1.0
		again, _ := g.Step("B")
		assert.Equal(t, 10.0, again.Params["amount"])
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid graph", func(t *testing.T) {
		g := MustNew("ok", step("A"), step("B", "A"), step("C", "A"), step("D", "B", "C"))
		assert.NoError(t, g.Validate())
	})

	t.Run("empty graph", func(t *testing.T) {
		assert.NoError(t, MustNew("empty").Validate())
	})

	t.Run("dangling dependency", func(t *testing.T) {
		g := MustNew("dangling", step("A"), step("B", "X"))
		err := g.Validate()
		assert.ErrorContains(t, err, "step 'B' depends on unknown step 'X'")
		assert.True(t, errors.Is(err, fault.ErrGraphInvalid))
	})

	t.Run("missing operation", func(t *testing.T) {
		g := MustNew("bare", Step{ID: "A", WorkerType: "gpu"})
		assert.ErrorContains(t, g.Validate(), "needs a worker type and an operation")
	})

	t.Run("negative retries", func(t *testing.T) {
		s := step("A")
		s.MaxRetries = -1
		assert.ErrorContains(t, MustNew("neg", s).Validate(), "negative retry budget")
	})

	// Cycles of every length are rejected, self-dependency included.
	for length := 1; length <= 4; length++ {
		t.Run(fmt.Sprintf("cycle of length %d", length), func(t *testing.T) {
			steps := make([]Step, length)
			for i := 0; i < length; i++ {
				steps[i] = step(fmt.Sprintf("S%d", i), fmt.Sprintf("S%d", (i+1)%length))
			}
			steps = append(steps, step("tail", "S0"))

			err := MustNew("cyclic", steps...).Validate()
			require.Error(t, err)
			assert.ErrorContains(t, err, "cycle detected involving")
			assert.Equal(t, fault.KindGraphInvalid, fault.KindOf(err))
		})
	}

	t.Run("A->B->C->A names a step of the cycle", func(t *testing.T) {
		g := MustNew("abc", step("A", "C"), step("B", "A"), step("C", "B"))
		err := g.Validate()
		require.Error(t, err)
		assert.Regexp(t, `involving '[ABC]'`, err.Error())
	})
}

func TestOrder(t *testing.T) {
	g := MustNew("diamond", step("D", "B", "C"), step("C", "A"), step("B", "A"), step("A"))
	order := g.Order()
	require.Len(t, order, 4)

	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["A"], pos["B"])
	assert.Less(t, pos["A"], pos["C"])
	assert.Less(t, pos["B"], pos["D"])
	assert.Less(t, pos["C"], pos["D"])
}

func TestFromModel(t *testing.T) {
	two := 2
	model := config.NewModel()
	model.Workflows["payments"] = &config.Workflow{
		Name:        "payments",
		Description: "pay",
		Source:      "payments.hcl",
		Steps: []*config.Step{
			{ID: "coordinate", WorkerType: "high-memory", Operation: "coordinate"},
			{ID: "risk", WorkerType: "gpu-accelerated", Operation: "assess_risk", DependsOn: []string{"coordinate"}, Timeout: 5 * time.Second, MaxRetries: &two},
		},
	}
	model.Workflows["alpha"] = &config.Workflow{
		Name:  "alpha",
		Steps: []*config.Step{{ID: "only", WorkerType: "local", Operation: "print"}},
	}

	catalog, err := FromModel(model, Defaults{Timeout: 30 * time.Second, MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "payments"}, catalog.Names())

	g, ok := catalog.Get("payments")
	require.True(t, ok)
	assert.Equal(t, "pay", g.Description())

	coordinate, _ := g.Step("coordinate")
	assert.Equal(t, 30*time.Second, coordinate.Timeout, "default timeout applied")
	assert.Equal(t, 3, coordinate.MaxRetries, "default retries applied")

	risk, _ := g.Step("risk")
	assert.Equal(t, 5*time.Second, risk.Timeout)
	assert.Equal(t, 2, risk.MaxRetries)

	t.Run("invalid workflow is rejected", func(t *testing.T) {
		bad := config.NewModel()
		bad.Workflows["loop"] = &config.Workflow{
			Name:   "loop",
			Source: "loop.hcl",
			Steps:  []*config.Step{{ID: "a", WorkerType: "local", Operation: "print", DependsOn: []string{"a"}}},
		}
		_, err := FromModel(bad, Defaults{})
		assert.ErrorContains(t, err, "loop.hcl")
		assert.ErrorContains(t, err, "cycle detected")
	})
}
