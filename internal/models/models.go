package models

import (
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
)

// Source names the origin format of an external record.
type Source string

const (
	SourceAlipay    Source = "alipay"
	SourceWechat    Source = "wechat"
	SourceABC       Source = "abc"
	SourceCMB       Source = "cmb"
	SourceBOCOM     Source = "bocom"
	SourceCMBPDF    Source = "cmb-pdf"
	SourceNBCB      Source = "nbcb"
	SourceQuickPass Source = "quickpass"
)

// String returns the string representation of Source
func (s Source) String() string {
	return string(s)
}

// ExtensionKey names an origin-specific field carried alongside the canonical schema.
type ExtensionKey string

const (
	ExtCurrency      ExtensionKey = "currency"
	ExtLocation      ExtensionKey = "location"
	ExtBalance       ExtensionKey = "balance"
	ExtCounterparty  ExtensionKey = "counterparty"
	ExtImportID      ExtensionKey = "import_id"
	ExtFullPayee     ExtensionKey = "full_payee"
	ExtNote          ExtensionKey = "note"
	ExtCategory      ExtensionKey = "category"
	ExtPaymentMethod ExtensionKey = "payment_method"
	ExtDirection     ExtensionKey = "direction"
	ExtPostingDate   ExtensionKey = "posting_date"
	ExtTime          ExtensionKey = "time"
	ExtRemark        ExtensionKey = "remark"

	// ExtLedgerCategory is the category after the category map.
	ExtLedgerCategory ExtensionKey = "ledger_category"
)

// Extensions maps extension keys to their raw textual values.
type Extensions map[ExtensionKey]string

func (e Extensions) clone() Extensions {
	if len(e) == 0 {
		return nil
	}
	out := make(Extensions, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// CanonicalTransaction is the normalized form of one external record.
// Values are never mutated after construction; the With* methods return copies.
type CanonicalTransaction struct {
	Date    civil.Date
	Amount  Amount
	Summary string
	// Account is the ledger-side account name, already passed through the account map.
	Account string
	// Card is the trailing card-number suffix for multi-card statements, empty otherwise.
	Card   string
	Source Source

	ext Extensions
}

// NewCanonicalTransaction builds a record and takes a private copy of ext.
func NewCanonicalTransaction(src Source, date civil.Date, amount Amount, summary, account, card string, ext Extensions) CanonicalTransaction {
	return CanonicalTransaction{
		Date:    date,
		Amount:  amount,
		Summary: summary,
		Account: account,
		Card:    card,
		Source:  src,
		ext:     ext.clone(),
	}
}

// Extension returns one extension value.
func (t CanonicalTransaction) Extension(key ExtensionKey) (string, bool) {
	v, ok := t.ext[key]
	return v, ok
}

// Ext returns an extension value or the empty string.
func (t CanonicalTransaction) Ext(key ExtensionKey) string {
	return t.ext[key]
}

// Extensions returns a copy of all extension values.
func (t CanonicalTransaction) Extensions() Extensions {
	return t.ext.clone()
}

// WithAccount returns a copy assigned to the given ledger account name.
func (t CanonicalTransaction) WithAccount(account string) CanonicalTransaction {
	out := t
	out.Account = account
	out.ext = t.ext.clone()
	return out
}

// WithExtension returns a copy with one extension value set.
func (t CanonicalTransaction) WithExtension(key ExtensionKey, value string) CanonicalTransaction {
	out := t
	out.ext = t.ext.clone()
	if out.ext == nil {
		out.ext = make(Extensions, 1)
	}
	out.ext[key] = value
	return out
}

// Validate performs basic validation on the record
func (t CanonicalTransaction) Validate() error {
	if !t.Date.IsValid() {
		return fmt.Errorf("transaction date is invalid: %v", t.Date)
	}
	if t.Source == "" {
		return fmt.Errorf("transaction source cannot be empty")
	}
	return nil
}

// String returns a string representation of the record
func (t CanonicalTransaction) String() string {
	return fmt.Sprintf("%s %s %s [%s]", t.Date, t.Amount, t.Summary, t.Account)
}

// ExcludePolicy reports whether a record is intentionally not reconciled
// (installments, internal transfers, promotional credits).
type ExcludePolicy func(CanonicalTransaction) bool

// ExcludeNone never excludes.
func ExcludeNone(CanonicalTransaction) bool { return false }

// SummaryContains builds a policy excluding records whose summary contains any marker.
func SummaryContains(markers ...string) ExcludePolicy {
	return func(t CanonicalTransaction) bool {
		for _, m := range markers {
			if strings.Contains(t.Summary, m) {
				return true
			}
		}
		return false
	}
}

// AnyOf combines policies; nil policies are ignored.
func AnyOf(policies ...ExcludePolicy) ExcludePolicy {
	return func(t CanonicalTransaction) bool {
		for _, p := range policies {
			if p != nil && p(t) {
				return true
			}
		}
		return false
	}
}

// SortByDate orders records ascending by date, keeping input order among equal dates.
func SortByDate(txs []CanonicalTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Date.Before(txs[j].Date)
	})
}

// IsSortedByDate reports whether txs is ascending by date.
func IsSortedByDate(txs []CanonicalTransaction) bool {
	return sort.SliceIsSorted(txs, func(i, j int) bool {
		return txs[i].Date.Before(txs[j].Date)
	})
}

// DateWindow returns the min and max dates spanned by txs. ok is false for an empty list.
func DateWindow(txs []CanonicalTransaction) (from, to civil.Date, ok bool) {
	if len(txs) == 0 {
		return civil.Date{}, civil.Date{}, false
	}
	from, to = txs[0].Date, txs[0].Date
	for _, t := range txs[1:] {
		if t.Date.Before(from) {
			from = t.Date
		}
		if t.Date.After(to) {
			to = t.Date
		}
	}
	return from, to, true
}

// GroupByCard splits records by card suffix and returns the card keys in ascending order.
func GroupByCard(txs []CanonicalTransaction) ([]string, map[string][]CanonicalTransaction) {
	groups := make(map[string][]CanonicalTransaction)
	for _, t := range txs {
		groups[t.Card] = append(groups[t.Card], t)
	}
	cards := make([]string, 0, len(groups))
	for card := range groups {
		cards = append(cards, card)
	}
	sort.Strings(cards)
	return cards, groups
}
