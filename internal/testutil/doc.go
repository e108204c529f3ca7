// Package testutil provides shared test utilities for ember.
//
// # Fixtures
//
// The fixtures.go file provides sample data for testing:
//
//   - SampleSource - a small Python file with an unused import
//   - SampleViolationRequest(id), SampleTestRequest(id) - task create requests
//   - ActionBlock(name, params) - a model response containing one action block
//   - FailedRecords(action, n, params, err) - identical failing action records
//
// # Environment Helpers
//
// The env.go file provides test environment setup:
//
//   - SetupTestDir(t) - creates a temp project with .ember structure and a Store
//   - CreateTask(t, store, req) - creates a task or fails the test
//   - WriteTestFile(t, base, path, content), ReadTestFile(t, base, path)
//
// # Timeouts
//
//   - RunContext(t) - a context for one executor run, bounded by the test
//     deadline
//
// # Assertions
//
// The assertions.go file checks persisted task state:
//
//   - AssertPhase, AssertStep, AssertActionCount
//   - AssertLastAction(t, store, id, name, result) - checks the newest record
//   - AssertStepsStrictlyOrdered(t, actions)
//
// # Usage
//
//	func TestSomething(t *testing.T) {
//	    projectDir, store := testutil.SetupTestDir(t)
//	    testutil.CreateTask(t, store, testutil.SampleViolationRequest("t1"))
//	    // ... run test ...
//	    testutil.AssertPhase(t, store, "t1", state.PhaseComplete)
//	}
package testutil
