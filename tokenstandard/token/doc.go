// Package token holds the value types shared by every state machine of the
// settlement protocol (instruments, holdings, locks and transfers) and the
// Primitives capability a registry implements to move and lock holdings.
//
// The protocol core never does accounting itself. It validates inputs with
// BuildTransferPlan and BuildLockPlan and delegates value movement to
// Primitives inside the caller's unit of work.
package token
