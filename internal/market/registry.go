package market

import (
	"log/slog"
	"math"

	"KittyMarket-Chain/internal/randomness"
)

// Create 为调用者铸造一只随机 DNA 的 kitty。
func (e *Engine) Create(caller AccountID) (KittyID, error) {
	id, err := e.checkMint(caller)
	if err != nil {
		return 0, err
	}
	if err := e.reserve(caller, e.params.KittyStake); err != nil {
		return 0, err
	}
	dna := e.randomDNA(caller)
	e.mint(caller, id, dna)
	return id, nil
}

// Breed 用两只父代的 DNA 交叉出一只新 kitty。
func (e *Engine) Breed(caller AccountID, parentA, parentB KittyID) (KittyID, error) {
	if parentA == parentB {
		return 0, ErrSameParentID
	}
	a, okA := e.state.Kitties[parentA]
	b, okB := e.state.Kitties[parentB]
	if !okA || !okB {
		return 0, ErrKittyNotFound
	}
	if e.state.Owners[parentA] != caller || e.state.Owners[parentB] != caller {
		return 0, ErrNotOwner
	}
	if e.state.frozen(parentA) || e.state.frozen(parentB) {
		return 0, ErrKittyListedForSale
	}
	id, err := e.checkMint(caller)
	if err != nil {
		return 0, err
	}
	if err := e.reserve(caller, e.params.KittyStake); err != nil {
		return 0, err
	}
	selector := e.randomDNA(caller)
	e.mint(caller, id, randomness.Crossover(a.DNA, b.DNA, selector))
	return id, nil
}

// Transfer 把 kitty 及其押金转给另一个账户。
func (e *Engine) Transfer(caller, to AccountID, id KittyID) error {
	kitty, ok := e.state.Kitties[id]
	if !ok {
		return ErrKittyNotFound
	}
	if e.state.Owners[id] != caller {
		return ErrNotOwner
	}
	if to == caller {
		return ErrTransferToSelf
	}
	if e.state.frozen(id) {
		return ErrKittyListedForSale
	}
	if e.atOwnedLimit(to) {
		return ErrTooManyKitties
	}
	stake := cloneAmount(kitty.Stake)
	if err := e.reserve(to, stake); err != nil {
		return err
	}
	if rest := e.currency.Unreserve(caller, stake); !rest.IsZero() {
		e.log.Error("押金释放不完整", slog.Uint64("kitty", uint64(id)), slog.String("missing", rest.Dec()))
	}

	e.state.setOwner(id, caller, to)
	e.emit(KittyTransferred{From: caller, To: to, ID: id})
	return nil
}

// atOwnedLimit reports whether who cannot take one more kitty.
func (e *Engine) atOwnedLimit(who AccountID) bool {
	limit := e.params.MaxKittiesOwned
	return limit > 0 && len(e.state.Owned[who]) >= limit
}

// checkMint validates that caller may receive a new kitty and returns its id.
func (e *Engine) checkMint(caller AccountID) (KittyID, error) {
	id := e.state.NextKittyID
	if id == math.MaxUint32 {
		return 0, ErrIDOverflow
	}
	if e.atOwnedLimit(caller) {
		return 0, ErrTooManyKitties
	}
	if !e.hasFree(caller, e.params.KittyStake) {
		return 0, ErrInsufficientBalance
	}
	return id, nil
}

func (e *Engine) mint(owner AccountID, id KittyID, dna randomness.DNA) {
	e.state.Kitties[id] = &Kitty{ID: id, DNA: dna, Stake: cloneAmount(e.params.KittyStake)}
	e.state.Owners[id] = owner
	e.state.addOwned(owner, id)
	e.state.NextKittyID = id + 1
	e.emit(KittyCreated{Creator: owner, ID: id, DNA: dna})
}

// randomDNA draws a fresh genome for caller. Every draw bumps the caller's
// nonce and the in-block draw index.
func (e *Engine) randomDNA(caller AccountID) randomness.DNA {
	seed := e.seeds.Seed(e.state.Block)
	nonce := e.state.Nonces[caller]
	dna := randomness.DeriveDNA(seed, caller, nonce, e.state.Draws)
	e.state.Nonces[caller] = nonce + 1
	e.state.Draws++
	return dna
}
