// Package red holds contracts from a module unrelated to testmessages.
package red

type Message1 struct{}

type Message2 struct{}

// NewUser deliberately shares its name with testmessages.NewUser.
type NewUser struct{}
