package engine

import (
	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/mailerr"

	"go.uber.org/zap"
)

// Send queues ids on their transmitters and starts them. Every message
// must be accepted by exactly one transmitter or nothing is sent and a
// single ErrorOccurred explains why.
func (e *Engine) Send(ids []string) {
	ids = dedupe(ids)
	b := &sendBatch{units: make(map[string]*sendUnit)}
	var (
		order   []client.Transmitter
		used    = make(map[client.Transmitter]bool)
		bound   = make(map[client.Transmitter]string)
		account string
		err     error
	)
	for _, id := range ids {
		m, merr := e.deps.Store.Message(e.deps.Ctx, id)
		if merr != nil {
			e.log.Warn("cannot load outgoing message", zap.String("id", id), zap.Error(merr))
			continue
		}
		acct, aerr := e.account(m.AccountID)
		if aerr != nil {
			e.log.Warn("outgoing message has no account", zap.String("id", id), zap.Error(aerr))
			continue
		}
		if account == "" {
			account = acct.Name
		}
		var tx client.Transmitter
		tx, err = e.transmitterFor(m, acct, bound)
		if err != nil {
			account = acct.Name
			break
		}
		if tx == nil {
			e.log.Warn("no transmitter for message", zap.String("id", id))
			continue
		}
		if err = tx.AddMail(m); err != nil {
			account = acct.Name
			break
		}
		b.units[id] = &sendUnit{size: m.IndicativeSize(), account: acct.Name, owner: tx}
		b.order = append(b.order, id)
		if !used[tx] {
			used[tx] = true
			order = append(order, tx)
		}
	}
	if err == nil && len(b.units) != len(ids) {
		err = mailerr.Newf(mailerr.NoConnection, "queued %d of %d messages", len(b.units), len(ids))
	}
	if err != nil {
		// Only this batch's queues are cleared; a running batch is untouched.
		for _, tx := range order {
			tx.ClearQueue()
		}
		e.enqueueFailed(account, err)
		return
	}

	total := 0
	for _, u := range b.units {
		total += u.size
	}
	e.emit(Event{Kind: SendTotal, Account: account, Value: total})
	if len(ids) == 0 {
		e.emit(Event{Kind: SendCompleted})
		return
	}
	e.batches = append(e.batches, b)
	for _, tx := range order {
		if err := tx.Send(); err != nil {
			me := mailerr.As(err)
			e.report(tx, tx.Account(), me, mailerr.Report{Server: e.server(tx)})
			e.transmissionFailed(tx)
		}
	}
}

func (e *Engine) findSend(id string) (*sendBatch, *sendUnit) {
	for _, b := range e.batches {
		if u, ok := b.units[id]; ok {
			return b, u
		}
	}
	return nil, nil
}

// transmitterFor picks the client for m and binds it to acct. A nil client
// means m has nothing this server can deliver to.
func (e *Engine) transmitterFor(m *email.Message, acct *config.AccountConfig, bound map[client.Transmitter]string) (client.Transmitter, error) {
	var mail, phone int
	for _, a := range m.Recipients() {
		switch {
		case a.IsEmail():
			mail++
		case a.IsPhone():
			phone++
		}
	}

	var tx client.Transmitter
	switch {
	case m.Kind == email.KindInstant:
		tx = e.gateways[email.KindInstant]
	case m.Kind == email.KindMMS && mail+phone > 0:
		tx = e.gateways[email.KindMMS]
	case m.Kind == email.KindSMS && phone > 0:
		tx = e.gateways[email.KindSMS]
		if limit := acct.Gateway.MaxSMSSize; limit > 0 && len(m.Content) > limit {
			tx = e.gateways[email.KindMMS]
		}
	case m.Kind == email.KindSystem:
		tx = e.system
	case mail > 0:
		if !acct.CanTransmit() {
			return nil, mailerr.Newf(mailerr.NoConnection, "account %s cannot send email", acct.Name)
		}
		c := e.smtpClient()
		if err := e.bind(c, acct, bound); err != nil {
			return nil, err
		}
		c.SetPreAuth(e.preAuth(acct))
		return c, nil
	default:
		return nil, nil
	}
	if err := e.bind(tx, acct, bound); err != nil {
		return nil, err
	}
	return tx, nil
}

// bind attaches tx to acct for this batch. One transmitter serves a single
// account per batch.
func (e *Engine) bind(tx client.Transmitter, acct *config.AccountConfig, bound map[client.Transmitter]string) error {
	if name, ok := bound[tx]; ok {
		if name != acct.Name {
			return mailerr.Newf(mailerr.ConnectionInUse, "already sending for account %s", name)
		}
		return nil
	}
	if tx.InUse() {
		return mailerr.Newf(mailerr.ConnectionInUse, "transmitter busy with account %s", tx.Account())
	}
	if err := tx.SetAccount(acct); err != nil {
		return err
	}
	bound[tx] = acct.Name
	return nil
}

// enqueueFailed reports a refused batch. Mail codes are reported under
// EnqueueFailed with their own text kept.
func (e *Engine) enqueueFailed(account string, err error) {
	me := mailerr.As(err)
	e.log.Warn("send batch refused", zap.String("account", account), zap.Error(me))
	code, text := me.Code, me.Message()
	if _, ok := mailerr.MailTable.Lookup(code); ok {
		text = mailerr.Tables{mailerr.MailTable}.Describe(code, text, mailerr.Report{})
		code = mailerr.EnqueueFailed
	}
	e.emit(Event{
		Kind:    ErrorOccurred,
		Account: account,
		Text:    mailerr.Tables(nil).Describe(code, text, mailerr.Report{}),
		Code:    code,
	})
}

func (e *Engine) sendProgress(ev client.Event) {
	b, u := e.findSend(ev.ID)
	if u == nil {
		return
	}
	p := percent(ev.Bytes, ev.Total)
	if p <= u.percent {
		return
	}
	u.percent = p
	e.emit(Event{Kind: SendProgress, Account: ev.Account, ID: ev.ID, Value: b.done + u.size*p/100})
}

// messageProcessed closes the bookkeeping of one retrieved or sent message.
// A send batch completes once its last message is processed.
func (e *Engine) messageProcessed(id, account string) {
	if u, ok := e.retrieval[id]; ok {
		delete(e.retrieval, id)
		e.retrievalDone += u.size
		e.emit(Event{Kind: RetrievalProgress, Account: account, ID: id, Value: e.retrievalDone})
		return
	}
	b, u := e.findSend(id)
	if u == nil {
		return
	}
	if account == "" {
		account = u.account
	}
	delete(b.units, id)
	b.done += u.size
	e.emit(Event{Kind: SendProgress, Account: account, ID: id, Value: b.done})
	if len(b.units) > 0 {
		return
	}
	for i, x := range e.batches {
		if x == b {
			e.batches = append(e.batches[:i], e.batches[i+1:]...)
			break
		}
	}
	e.emit(Event{Kind: SendCompleted, Account: account})
}

// transmissionFailed settles every message still owned by c.
func (e *Engine) transmissionFailed(c client.Client) {
	type owned struct{ id, account string }
	var settle []owned
	for _, b := range e.batches {
		for _, id := range b.order {
			if u, ok := b.units[id]; ok && client.Client(u.owner) == c {
				settle = append(settle, owned{id, u.account})
			}
		}
	}
	for _, o := range settle {
		e.messageProcessed(o.id, o.account)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
