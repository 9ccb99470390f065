// Package testmessages holds message contracts shared by routing tests.
package testmessages

type NewUser struct {
	Name string
}

type EditUser struct {
	Name string
}

type DeleteUser struct {
	Name string
}
