package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// To regenerate the summaries after an intended behavior change:
//
//	go test ./internal/harness -run TestGolden -update
func TestGolden_Summaries(t *testing.T) {
	for _, file := range []string{
		"s1_honest_dkd.yaml",
		"s4_recovery_cooldown.yaml",
		"s6_unfunded_send.yaml",
		"s7_soft_fork.yaml",
	} {
		t.Run(file, func(t *testing.T) {
			scenario, err := LoadScenario("testdata/scenarios/" + file)
			require.NoError(t, err)
			res, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, res.Pass, "scenario failed: %v", res.Errors)
		})
	}
}

func TestGolden_Replay(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios")
	require.NoError(t, err)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err)
		t.Run(scenario.Name, func(t *testing.T) {
			first, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			second, err := Run(context.Background(), scenario)
			require.NoError(t, err)

			assert.Equal(t, first.Digest, second.Digest)
			AssertReplay(t, t.TempDir(), scenario.Name, first, second)
		})
	}
}

func TestGolden_SeedChangesTrace(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/s1_honest_dkd.yaml")
	require.NoError(t, err)
	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	reseeded := *scenario
	reseeded.Seed++
	second, err := Run(context.Background(), &reseeded)
	require.NoError(t, err)

	assert.True(t, second.Pass, "reseeded run failed: %v", second.Errors)
	assert.NotEqual(t, first.Digest, second.Digest)
}

func TestSummary_Format(t *testing.T) {
	res := NewResult("demo", 9)
	res.Steps = []StepResult{{
		Index:   0,
		Op:      OpDkd,
		Session: "d1",
		Roles: []RoleOutcome{
			{Participant: "alice", Outcome: "byzantine", Accused: []string{"bob"}},
			{Participant: "bob", Outcome: OutcomeOK},
		},
	}, {
		Index: 1,
		Op:    OpOTA,
		Roles: []RoleOutcome{{Participant: "carol", Outcome: OutcomeOK, Status: "declined"}},
	}}

	want := "scenario: demo\n" +
		"seed: 9\n" +
		"pass: true\n" +
		"step 1 dkd session=d1\n" +
		"  alice byzantine accused=bob\n" +
		"  bob ok\n" +
		"step 2 ota\n" +
		"  carol ok status=declined\n" +
		"violations: none\n"
	assert.Equal(t, want, string(Summary(res)))
}
