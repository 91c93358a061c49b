// Package credential holds a service account's identity and private signing
// key. The key lives in an off-heap secret buffer, is only reachable through
// scoped callbacks, and is zeroed by Clear or Close.
package credential
