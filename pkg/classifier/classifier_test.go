package classifier

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wynnbridge/pkg/itemcode"
)

func TestGeneralRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Result
	}{
		{
			name: "player chat",
			raw:  "§3[★★★Alice]§3Alice§3:§b hello there",
			want: Result{Rule: "chat", Class: General, Type: TypeChat, Header: "Alice", Text: "hello there"},
		},
		{
			name: "player chat with gray colors",
			raw:  "§8Bob:§8 anyone up for a raid?",
			want: Result{Rule: "chat", Class: General, Type: TypeChat, Header: "Bob", Text: "anyone up for a raid?"},
		},
		{
			name: "raid completion",
			raw:  "§3Alice§b, §3Bob§b, §3Carol§b, and §3Dave§b finished §8The Canyon Colossus§b in 12:34",
			want: Result{
				Rule:   "raid",
				Class:  General,
				Type:   TypeInfo,
				Header: "⚠️ Guild Raida",
				Text:   "Alice, Bob, Carol, and Dave completed The Canyon Colossus",
				Effect: RaidCompletion{
					Participants: []string{"Alice", "Bob", "Carol", "Dave"},
					Raid:         "The Canyon Colossus",
				},
			},
		},
		{
			name: "raid completion with yellow names",
			raw:  "§eAlice§b, §eBob§b, §eCarol§b, and §eDave§b finished §3Nest of the Grootslangs§b and claimed 2x Aspects",
			want: Result{
				Rule:   "raid",
				Class:  General,
				Type:   TypeInfo,
				Header: "⚠️ Guild Raida",
				Text:   "Alice, Bob, Carol, and Dave completed Nest of the Grootslangs",
				Effect: RaidCompletion{
					Participants: []string{"Alice", "Bob", "Carol", "Dave"},
					Raid:         "Nest of the Grootslangs",
				},
			},
		},
		{
			name: "aspect gift",
			raw:  "§bAlice§3 rewarded §ban Aspect§3 to §bBob",
			want: Result{
				Rule:   "aspect",
				Class:  General,
				Type:   TypeInfo,
				Header: "⚠️ Aspect",
				Text:   "Alice has given an aspect to Bob",
				Effect: AspectGift{Giver: "Alice", Receiver: "Bob"},
			},
		},
		{
			name: "tome gift",
			raw:  "§bAlice§3 rewarded §ba Guild Tome§3 to §bBob§3",
			want: Result{
				Rule:   "tome",
				Class:  General,
				Type:   TypeInfo,
				Header: "⚠️ Tome",
				Text:   "Alice has given a tome to Bob",
				Effect: TomeGift{Giver: "Alice", Receiver: "Bob"},
			},
		},
		{
			name: "emerald gift",
			raw:  "§bAlice§3 rewarded §b1024 Emeralds§3 to §bBob",
			want: Result{
				Rule:   "emeralds",
				Class:  General,
				Type:   TypeInfo,
				Header: "⚠️ 🤑",
				Text:   "Alice has given a 1024 emeralds to Bob",
			},
		},
		{
			name: "anything else",
			raw:  "§3Bob has joined the guild",
			want: Result{Rule: "info", Class: General, Type: TypeInfo, Header: "⚠️ Info", Text: "§3Bob has joined the guild"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := Classify(General, tt.raw)
			require.True(t, ok)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Classify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestManagementRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		rule   string
		header string
	}{
		{"bonus set", "§bAlice§3 set §bTower Defence§3 to level §b3§3 on §bDetlas", "bonus_set", "⚠️ 🤓"},
		{"bonus removed", "§bAlice§3 removed §bTower Defence§3 from §bDetlas", "bonus_removed", "⚠️ 🤓"},
		{"territory changed", "§bAlice§3 changed §b2 bonuses§3 on §3Detlas", "territory_changed", "⚠️ 🤓"},
		{"storage full", "Territory §bDetlas§3 is producing more resources than it can store!", "storage_full", "⚠️ 🤓"},
		{"production stable", "Territory §bDetlas§3 production has stabilised", "production_stable", "⚠️ 🤓"},
		{"loadout applied", "§bAlice§3 applied the loadout §b§lDefence§3 on §bDetlas", "loadout_applied", "⚠️ 🤓"},
		{"bank deposit", "§bAlice§3 deposited §b1x Warp§3 to the Guild Bank (§bHigh Ranked§3)", "bank_deposit", "⚠️ Info"},
		{"tome found", "§bA Guild Tome§3 has been found and added to the Guild Rewards", "tome_found", "⚠️ Info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := Classify(Management, tt.raw)
			require.True(t, ok)
			want := Result{Rule: tt.rule, Class: Management, Type: TypeInfo, Header: tt.header, Text: tt.raw}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Classify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestManagementRulesHaveNoCatchAll(t *testing.T) {
	t.Parallel()

	_, ok := Classify(Management, "§bAlice§3 joined the guild")
	assert.False(t, ok)
}

func TestEarlierRuleWins(t *testing.T) {
	t.Parallel()

	// Matches both the aspect rule and the trailing catch-all.
	raw := "§bAlice§3 rewarded §ban Aspect§3 to §bBob"
	require.True(t, GeneralRules[len(GeneralRules)-1].Pattern.MatchString(raw))

	got, ok := Classify(General, raw)
	require.True(t, ok)
	assert.Equal(t, "aspect", got.Rule)

	custom := Rules{
		{Name: "first", Pattern: GeneralRules[len(GeneralRules)-1].Pattern, Type: TypeInfo, Header: "first"},
		{Name: "second", Pattern: GeneralRules[2].Pattern, Type: TypeInfo, Header: "second"},
	}
	got, ok = custom.Classify(General, raw)
	require.True(t, ok)
	assert.Equal(t, "first", got.Rule)
}

func TestRuleMatchExposesNamedCaptures(t *testing.T) {
	t.Parallel()

	caps, ok := GeneralRules[0].Match("§3Alice§3:§b hi")
	require.True(t, ok)
	assert.Equal(t, Captures{"header": "Alice", "content": "hi"}, caps)

	_, ok = GeneralRules[0].Match("no colors at all")
	assert.False(t, ok)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	item := itemcode.Encode("Warp", 1)
	text := "§bcheck my " + item + "§r now"

	assert.Equal(t, "check my **__Warp__** now", Format(General, text, itemcode.Wynntils{}))
	assert.Equal(t, "check my Warp now", Format(Management, text, itemcode.Wynntils{}))
	assert.Equal(t, "plain", StripFormatting("plain"))
	assert.Equal(t, "Detlas", StripFormatting("§b§lDetlas§r"))
}

func TestClassString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "general", General.String())
	assert.Equal(t, "management", Management.String())
	assert.Equal(t, "raid_completion", RaidCompletion{}.EffectKind())
}
