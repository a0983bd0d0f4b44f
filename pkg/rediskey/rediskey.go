package rediskey

import "fmt"

// Key namespaces shared by every process touching the coordination store.
const (
	PaymentLockPrefix = "payment"
	LockQueuePrefix   = "lockq"
	NoncePrefix       = "nonce:sig"
	RoundClosePrefix  = "round:close"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// PaymentLock returns "payment:{reference}", the admission lock key for a run.
func PaymentLock(reference string) string {
	return NamespaceKey(PaymentLockPrefix, reference)
}

// LockQueue returns "lockq:{lockKey}", the ordered waiter queue for a lock.
func LockQueue(lockKey string) string {
	return NamespaceKey(LockQueuePrefix, lockKey)
}

// SignatureNonce returns "nonce:sig:{signature}", the replay marker for an
// on-chain transaction signature.
func SignatureNonce(signature string) string {
	return NamespaceKey(NoncePrefix, signature)
}

// RoundCloseLock returns "round:close:{roundID}", the lock key guarding a
// round's close-and-draw step.
func RoundCloseLock(roundID string) string {
	return NamespaceKey(RoundClosePrefix, roundID)
}
