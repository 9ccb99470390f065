package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protobus/routing/internal/testmessages"
	"github.com/drblury/protobus/routing/internal/testmessages/red"
)

type ruleFixture struct{}

func TestAssemblyRulePositive(t *testing.T) {
	rule := AssemblyRuleOf[testmessages.NewUser]()

	assert.True(t, rule.Matches(TypeFor[testmessages.NewUser]()))
	assert.True(t, rule.Matches(TypeFor[testmessages.EditUser]()))
	assert.True(t, rule.Matches(TypeFor[testmessages.DeleteUser]()))
}

func TestAssemblyRuleNegative(t *testing.T) {
	rule := AssemblyRuleOf[testmessages.NewUser]()

	assert.False(t, rule.Matches(TypeFor[red.Message1]()))
	assert.False(t, rule.Matches(TypeFor[red.Message2]()))
	assert.False(t, rule.Matches(TypeFor[ruleFixture]()))
}

func TestAssemblyRuleIgnoresNameCollisions(t *testing.T) {
	rule := AssemblyRuleOf[testmessages.NewUser]()
	assert.False(t, rule.Matches(TypeFor[red.NewUser]()), "same name in another module must not match")
	assert.False(t, rule.Matches(MessageType{Module: "testmessages", Name: "NewUser"}))
}

func TestAssemblyRuleDoesNotMatchNestedModules(t *testing.T) {
	rule := AssemblyRuleOf[testmessages.NewUser]()
	nested := TypeFor[red.Message1]()
	assert.Contains(t, nested.Module, TypeFor[testmessages.NewUser]().Module)
	assert.False(t, rule.Matches(nested))
}

func TestAssemblyRuleWithExplicitModule(t *testing.T) {
	sample := MessageType{Module: "contracts/users", Name: "NewUser"}
	rule := AssemblyRuleFor(sample)

	assert.True(t, rule.Matches(MessageType{Module: "contracts/users", Name: "EditUser"}))
	assert.False(t, rule.Matches(MessageType{Module: "contracts/red", Name: "Message1"}))
	assert.Equal(t, "Contained in module contracts/users", rule.String())
}

func TestTypeForPointer(t *testing.T) {
	assert.Equal(t, TypeFor[testmessages.NewUser](), TypeFor[*testmessages.NewUser]())
	assert.Equal(t, "NewUser", TypeFor[testmessages.NewUser]().Name)
	assert.Equal(t, TypeFor[red.Message1](), TypeOfValue(&red.Message1{}))
	assert.True(t, TypeOfValue(nil).IsZero())
}

func TestNamespaceRule(t *testing.T) {
	rule := NamespaceRuleFor(TypeFor[testmessages.NewUser]())

	assert.True(t, rule.Matches(TypeFor[testmessages.EditUser]()))
	assert.True(t, rule.Matches(TypeFor[red.Message1]()), "nested modules are inside the namespace")
	assert.False(t, rule.Matches(TypeFor[ruleFixture]()))
	assert.False(t, NamespaceRule{Prefix: "contracts/user"}.Matches(MessageType{Module: "contracts/users"}))
}

func TestTypeRule(t *testing.T) {
	rule := TypeRuleOf[testmessages.NewUser]()
	assert.True(t, rule.Matches(TypeFor[testmessages.NewUser]()))
	assert.False(t, rule.Matches(TypeFor[testmessages.EditUser]()))
	assert.False(t, rule.Matches(TypeFor[red.NewUser]()))
}

func TestPredicateRule(t *testing.T) {
	rule := PredicateRule{
		Description: "names ending in User",
		Predicate: func(mt MessageType) bool {
			return len(mt.Name) > 4 && mt.Name[len(mt.Name)-4:] == "User"
		},
	}
	assert.True(t, rule.Matches(TypeFor[testmessages.DeleteUser]()))
	assert.False(t, rule.Matches(TypeFor[red.Message1]()))
	assert.Equal(t, "names ending in User", rule.String())
	assert.False(t, PredicateRule{}.Matches(TypeFor[red.Message1]()))
}

func TestCompositeRules(t *testing.T) {
	users := AssemblyRuleOf[testmessages.NewUser]()
	reds := AssemblyRuleOf[red.Message1]()
	newUser := TypeRuleOf[testmessages.NewUser]()

	t.Run("any", func(t *testing.T) {
		rule := Any(users, reds)
		assert.True(t, rule.Matches(TypeFor[testmessages.EditUser]()))
		assert.True(t, rule.Matches(TypeFor[red.Message2]()))
		assert.False(t, rule.Matches(TypeFor[ruleFixture]()))
	})

	t.Run("all", func(t *testing.T) {
		rule := All(users, Not(newUser))
		assert.True(t, rule.Matches(TypeFor[testmessages.EditUser]()))
		assert.False(t, rule.Matches(TypeFor[testmessages.NewUser]()))
		assert.False(t, rule.Matches(TypeFor[red.Message1]()))
	})

	t.Run("empty composites match nothing", func(t *testing.T) {
		assert.False(t, All().Matches(TypeFor[testmessages.NewUser]()))
		assert.False(t, Any().Matches(TypeFor[testmessages.NewUser]()))
	})

	t.Run("describes itself", func(t *testing.T) {
		desc := Any(users, Not(newUser)).String()
		assert.Contains(t, desc, " OR ")
		assert.Contains(t, desc, "NOT Is type")
	})
}

func TestMessageTypeString(t *testing.T) {
	mt := MessageType{Module: "example.com/contracts/users", Name: "NewUser"}
	assert.Equal(t, "example.com/contracts/users.NewUser", mt.String())
	assert.Equal(t, mt, ParseMessageType(mt.String()))

	bare := MessageType{Name: "Ping"}
	assert.Equal(t, "Ping", bare.String())
	assert.Equal(t, bare, ParseMessageType("Ping"))
	assert.Equal(t, MessageType{Name: "example.com/x"}, ParseMessageType("example.com/x"))
}

func TestMessageTypeValidateRequiresRoundTrip(t *testing.T) {
	for _, mt := range []MessageType{
		{Module: "example.com/contracts/users", Name: "NewUser"},
		{Name: "Ping"},
	} {
		require.NoError(t, mt.Validate())
		assert.Equal(t, mt, ParseMessageType(mt.String()))
	}

	for _, mt := range []MessageType{
		{},
		{Name: "a.b"},
		{Module: "a", Name: "b.c"},
		{Module: "m", Name: "a/b"},
	} {
		assert.ErrorIs(t, mt.Validate(), ErrInvalidMessageType, mt)
	}
}
