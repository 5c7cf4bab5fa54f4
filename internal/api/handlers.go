package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"KittyMarket-Chain/internal/auth"
	"KittyMarket-Chain/internal/chain"
	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/ledger"
	"KittyMarket-Chain/internal/market"
	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/internal/primitives"
	"KittyMarket-Chain/internal/storage/mysql"
)

const maxBodyBytes = 64 << 10

func (s *Server) handleKitty(w http.ResponseWriter, r *http.Request) {
	raw, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		badRequest(w, "kitty id 必须是 32 位无符号整数")
		return
	}
	id := market.KittyID(raw)

	var (
		resp  KittyDTO
		found bool
	)
	s.runtime.View(func(engine *market.Engine, _ *oracle.Feed, _ *ledger.Ledger) {
		kitty, owner, ok := engine.Kitty(id)
		if !ok {
			return
		}
		found = true
		resp = KittyDTO{
			ID:            uint32(kitty.ID),
			DNA:           kitty.DNA.String(),
			Owner:         owner.Hex(),
			Stake:         amountString(kitty.Stake),
			LastSalePrice: salePriceDTO(kitty.LastSalePrice),
		}
		if view, ok := engine.Listing(id); ok {
			resp.Listing = listingDTO(view)
		}
		if pending, ok := engine.PendingSettlements()[id]; ok {
			resp.Pending = pendingDTO(id, pending)
		}
	})
	if !found {
		writeError(w, market.ErrKittyNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	who, err := primitives.ParseAccount(r.PathValue("account"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	resp := AccountDTO{Account: who.Hex(), Kitties: []uint32{}}
	s.runtime.View(func(engine *market.Engine, _ *oracle.Feed, l *ledger.Ledger) {
		free := l.FreeBalance(who)
		reserved := l.ReservedBalance(who)
		resp.Free = free.Dec()
		resp.Reserved = reserved.Dec()
		for _, id := range engine.KittiesOf(who) {
			resp.Kitties = append(resp.Kitties, uint32(id))
		}
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	var seller *primitives.AccountID
	if raw := r.URL.Query().Get("seller"); raw != "" {
		who, err := primitives.ParseAccount(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		seller = &who
	}
	resp := []*ListingDTO{}
	s.runtime.View(func(engine *market.Engine, _ *oracle.Feed, _ *ledger.Ledger) {
		for _, view := range engine.Listings() {
			if seller != nil && view.Listing.Seller != *seller {
				continue
			}
			resp = append(resp, listingDTO(view))
		}
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	resp := []*PendingDTO{}
	s.runtime.View(func(engine *market.Engine, _ *oracle.Feed, _ *ledger.Ledger) {
		for id, pending := range engine.PendingSettlements() {
			resp = append(resp, pendingDTO(id, pending))
		}
	})
	sort.Slice(resp, func(i, j int) bool { return resp[i].Kitty < resp[j].Kitty })
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrices(w http.ResponseWriter, _ *http.Request) {
	var resp PricesDTO
	s.runtime.View(func(_ *market.Engine, feed *oracle.Feed, _ *ledger.Ledger) {
		resp.Prices = feed.Prices()
		resp.NextUnsignedAt = uint64(feed.NextUnsignedAt())
		if avg, ok := feed.AveragePrice(); ok {
			resp.AverageCents = &avg
			resp.AverageUSD = centsToUSD(avg)
		}
	})
	if resp.Prices == nil {
		resp.Prices = []uint32{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHead(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Head())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "事件历史未启用"))
		return
	}
	query := mysql.EventQuery{Name: r.URL.Query().Get("name")}
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(w, "from 必须是区块号")
			return
		}
		query.FromBlock = from
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			query.Limit = parsed
		}
	}
	records, err := s.events.List(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []mysql.EventRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "提交过于频繁", Retryable: true})
		return
	}

	var req SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		badRequest(w, "请求体解析失败: "+err.Error())
		return
	}

	xt := chain.Extrinsic{ID: strings.TrimSpace(req.ID), Call: req.Call}
	if xt.ID == "" {
		xt.ID = uuid.NewString()
	}
	if !req.Call.Method.Unsigned() {
		signer, err := s.signerFor(r, req.Signer)
		if err != nil {
			writeError(w, err)
			return
		}
		xt.Signer = signer
	}

	if err := s.runtime.Submit(xt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: xt.ID, Status: "pending"})
}

// signerFor 决定签名账户：开启认证时取令牌绑定的账户，否则使用请求体中的 signer。
func (s *Server) signerFor(r *http.Request, requested *primitives.AccountID) (*primitives.AccountID, error) {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		if requested != nil && *requested != subject.Account {
			return nil, market.ErrBadOrigin
		}
		account := subject.Account
		return &account, nil
	}
	if s.auth != nil && s.auth.Mode() != auth.ModeDisabled {
		return nil, market.ErrBadOrigin
	}
	if requested == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "签名交易需要 signer")
	}
	return requested, nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || s.auth.Mode() != auth.ModeJWT {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		badRequest(w, "请求体解析失败")
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pair)
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnsupportedGrant):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "INVALID_CREDENTIALS", Message: err.Error()})
	case errors.Is(err, auth.ErrSubjectRevoked):
		writeJSON(w, http.StatusForbidden, errorResponse{Code: "SUBJECT_REVOKED", Message: err.Error()})
	default:
		writeError(w, err)
	}
}
