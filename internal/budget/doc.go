// Package budget decides when an agent run should stop.
//
// A run starts with a base step budget. Demonstrated progress extends it
// up to a hard maximum:
//   - A successful file mutation adds 1 progress unit
//   - A check whose summary reports "passed" adds 3
//   - A check reporting fewer violations than the previous check adds 2
//
// Each unit buys three more steps. Successful reads keep the no-progress
// streak at zero without buying steps.
//
// Independently of the budget, a run stops when the same action fails the
// same way several times in a row (runaway), or when several consecutive
// steps make no progress at all.
package budget
