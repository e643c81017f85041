package classifier

import (
	"regexp"
	"strings"
)

const (
	headerRaid      = "⚠️ Guild Raida"
	headerAspect    = "⚠️ Aspect"
	headerTome      = "⚠️ Tome"
	headerEmerald   = "⚠️ 🤑"
	headerInfo      = "⚠️ Info"
	headerTerritory = "⚠️ 🤓"
)

// GeneralRules classifies guild chat. The last rule matches every line.
var GeneralRules = Rules{
	{
		Name:    "chat",
		Pattern: regexp.MustCompile(`^.*§[38](?P<header>[^ ]+?)(§[38])?:§[b8] (?P<content>.*)$`),
		Type:    TypeChat,
	},
	{
		Name: "raid",
		Pattern: regexp.MustCompile(`^§[38e](?P<player1>.*?)§[b8], §[38e](?P<player2>.*?)§[b8], ` +
			`§[38e](?P<player3>.*?)§[b8], and §[38e](?P<player4>.*?)§[b8] finished §[38](?P<raid>.*?)§[b8].*$`),
		Type:   TypeInfo,
		Header: headerRaid,
		Text: func(c Captures) string {
			return c["player1"] + ", " + c["player2"] + ", " + c["player3"] + ", and " + c["player4"] +
				" completed " + c["raid"]
		},
		Effect: func(c Captures) Effect {
			return RaidCompletion{
				Participants: []string{c["player1"], c["player2"], c["player3"], c["player4"]},
				Raid:         c["raid"],
			}
		},
	},
	{
		Name:    "aspect",
		Pattern: giftPattern("an Aspect"),
		Type:    TypeInfo,
		Header:  headerAspect,
		Text:    giftText("an aspect"),
		Effect: func(c Captures) Effect {
			return AspectGift{Giver: c["giver"], Receiver: c["receiver"]}
		},
	},
	{
		Name:    "tome",
		Pattern: giftPattern("a Guild Tome"),
		Type:    TypeInfo,
		Header:  headerTome,
		Text:    giftText("a tome"),
		Effect: func(c Captures) Effect {
			return TomeGift{Giver: c["giver"], Receiver: c["receiver"]}
		},
	},
	{
		Name:    "emeralds",
		Pattern: giftPattern("1024 Emeralds"),
		Type:    TypeInfo,
		Header:  headerEmerald,
		Text:    giftText("a 1024 emeralds"),
	},
	{
		Name:    "info",
		Pattern: regexp.MustCompile(`^(?P<content>.*)$`),
		Type:    TypeInfo,
		Header:  headerInfo,
	},
}

// ManagementRules classifies territory and bank notices. Lines matching none
// of them are not relayed.
var ManagementRules = Rules{
	territoryRule("bonus_set", headerTerritory,
		`§.(?P<username>.+?)§. set §.(?P<bonus>.+?)§. to level §.(?P<level>.+?)§. on §.(?P<territory>.*)`),
	territoryRule("bonus_removed", headerTerritory,
		`§.(?P<username>.+?)§. removed §.(?P<changed>.+?)§. from §.(?P<territory>.*)`),
	territoryRule("territory_changed", headerTerritory,
		`§.(?P<username>.+?)§. changed §.\d+ \w+§. on §3(?P<territory>.*)`),
	territoryRule("storage_full", headerTerritory,
		`Territory §.(?P<territory>.+?)§. is \w+ more resources than it can store!`),
	territoryRule("production_stable", headerTerritory,
		`Territory §.(?P<territory>.+?)§. production has stabilised`),
	territoryRule("loadout_applied", headerTerritory,
		`§.(?P<username>.+?)§. applied the loadout §(?P<loadout>..+?)§. on §.(?P<territory>.*)`),
	territoryRule("bank_deposit", headerInfo,
		`§.(?P<username>.+?)§. \w+ §.(?P<deposited>.+?)§. to the Guild Bank \(§.High Ranked§.\)`),
	territoryRule("tome_found", headerInfo,
		`§.A Guild Tome§. has been found and added to the Guild Rewards`),
}

// giftPattern matches "<giver> rewarded <reward> to <receiver>" notices.
func giftPattern(reward string) *regexp.Regexp {
	return regexp.MustCompile(`^§.(?P<giver>.*?)(§.)? rewarded §.` + regexp.QuoteMeta(reward) +
		`§. to §.(?P<receiver>.*?)(§.)?$`)
}

func giftText(what string) func(Captures) string {
	return func(c Captures) string {
		return c["giver"] + " has given " + what + " to " + c["receiver"]
	}
}

// territoryRule relays the whole line as content.
func territoryRule(name, header, body string) Rule {
	return Rule{
		Name:    name,
		Pattern: regexp.MustCompile(`^(?P<content>` + strings.TrimSpace(body) + `)$`),
		Type:    TypeInfo,
		Header:  header,
	}
}
