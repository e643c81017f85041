package classifier

// Effect is a reward ledger mutation implied by a classified line.
type Effect interface {
	EffectKind() string
}

// RaidCompletion records a finished raid and credits every participant.
type RaidCompletion struct {
	Participants []string
	Raid         string
}

func (RaidCompletion) EffectKind() string { return "raid_completion" }

// AspectGift debits the receiver's pending aspect count.
type AspectGift struct {
	Giver    string
	Receiver string
}

func (AspectGift) EffectKind() string { return "aspect_gift" }

// TomeGift clears the receiver's pending tome request.
type TomeGift struct {
	Giver    string
	Receiver string
}

func (TomeGift) EffectKind() string { return "tome_gift" }
