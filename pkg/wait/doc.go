// Package wait holds the small timing helpers used between control steps:
// Settle for fixed grace periods and Waiter for polling a condition.
package wait
