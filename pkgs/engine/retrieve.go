package engine

import (
	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/store"

	"go.uber.org/zap"
)

// Retrieve starts a preview pass for account. With foldersOnly set only the
// folder list is refreshed. The session stays open after
// PartialRetrievalCompleted until CompleteRetrieval.
func (e *Engine) Retrieve(account string, foldersOnly bool) error {
	if e.retrieving {
		return mailerr.New(mailerr.ConnectionInUse, "retrieval already in progress")
	}
	r, acct, err := e.retriever(account)
	if err != nil {
		return err
	}
	r.SetFoldersOnly(foldersOnly)
	r.SetHeadersOnly(acct.PreviewSize)
	e.retrieval = make(map[string]*retrievalUnit)
	e.retrievalDone = 0
	e.active = r
	e.retrieving = true
	if err := r.Connect(); err != nil {
		e.active = nil
		e.retrieving = false
		return err
	}
	return nil
}

// CompleteRetrieval downloads the bodies of ids. An empty list ends the
// open preview session instead. All ids must belong to the account of the
// first one; others are skipped.
func (e *Engine) CompleteRetrieval(ids []string) error {
	if len(e.retrieval) > 0 {
		e.log.Warn("previous retrieval still tracked", zap.Int("remaining", len(e.retrieval)))
		e.retrieval = make(map[string]*retrievalUnit)
	}
	if len(ids) == 0 {
		return e.closeRetrieval()
	}

	ids = dedupe(ids)
	msgs, err := e.deps.Store.QueryMessages(e.deps.Ctx, store.Filter{IDs: ids})
	if err != nil {
		return mailerr.Wrap(mailerr.UnknownResponse, err)
	}
	byID := make(map[string]*email.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	account := ""
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			account = m.AccountID
			break
		}
	}
	if account == "" {
		return mailerr.New(mailerr.NonexistentMessage, "no selected message is stored")
	}

	r, _, err := e.retriever(account)
	if err != nil {
		return err
	}
	if e.retrieving && !e.isActive(r) {
		return mailerr.New(mailerr.ConnectionInUse, "retrieval already in progress")
	}

	sel := client.NewSelectionMap()
	var total int
	var bytes int64
	for _, id := range ids {
		m, ok := byID[id]
		if !ok || m.AccountID != account {
			e.log.Warn("skipping message outside retrieval account", zap.String("id", id))
			continue
		}
		sel.Add(m.FolderID, m.ServerUID, m.ID)
		u := &retrievalUnit{size: m.IndicativeSize()}
		e.retrieval[id] = u
		total += u.size
		bytes += m.Size
	}

	if err := e.deps.Store.CheckSpace(e.deps.Ctx, 2*bytes+retrievalMargin); err != nil {
		e.retrieval = make(map[string]*retrievalUnit)
		if e.isActive(r) || !r.InUse() {
			e.active = nil
			e.retrieving = false
		}
		if r.InUse() {
			r.CloseConnection()
		}
		e.report(r, account, mailerr.New(mailerr.StorageFull, ""), mailerr.Report{StorageReason: err.Error()})
		return nil
	}

	e.retrievalDone = 0
	e.emit(Event{Kind: RetrievalTotal, Account: account, Value: total})
	r.SetFoldersOnly(false)
	e.active = r
	e.retrieving = true
	if err := r.SetSelectedMails(sel); err != nil {
		e.active = nil
		e.retrieving = false
		e.retrieval = make(map[string]*retrievalUnit)
		return err
	}
	return nil
}

// closeRetrieval ends the preview session left open by Retrieve.
func (e *Engine) closeRetrieval() error {
	r := e.active
	if r == nil {
		return nil
	}
	if r.InUse() {
		r.CloseConnection()
		return nil
	}
	e.active = nil
	e.retrieving = false
	e.emit(Event{Kind: RetrievalCompleted, Account: r.Account()})
	return nil
}

func (e *Engine) retrievalProgress(ev client.Event) {
	u := e.retrieval[ev.ID]
	if u == nil {
		return
	}
	p := percent(ev.Bytes, ev.Total)
	if p <= u.percent {
		return
	}
	u.percent = p
	e.emit(Event{Kind: RetrievalProgress, Account: ev.Account, ID: ev.ID, Value: e.retrievalDone + u.size*p/100})
}
