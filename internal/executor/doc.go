// Package executor runs an agent task one step at a time.
//
// A step loads the task from disk, builds a two-message context, asks the
// model for exactly one action, executes it and persists the outcome. No
// task state is kept in memory between steps, so a run that dies part way
// through can be resumed by calling RunUntilComplete again: the next step
// rebuilds everything from the task directory.
//
// Three actions are handled by the executor itself:
//   - complete finishes the task once verification reports it is ready
//   - escalate hands the task to a human
//   - cannot_fix records why the task cannot be done as described
//
// Every other action is dispatched to an ActionFunc registered by the
// caller. A run stops when an action ends the task, when a step fails
// hard, when the adaptive budget says so, or at the iteration ceiling.
package executor
