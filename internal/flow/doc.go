// Package flow runs dynamic flow plans step by step through an agent runner,
// persists every step session and folds them into one consolidated session
// per execution.
package flow
