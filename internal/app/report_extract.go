package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/aa-service/internal/domain"
)

// ReportFormatter turns a raw vendor report into the normalized extraction.
type ReportFormatter interface {
	Extract(raw json.RawMessage) (*domain.ExtractedReport, error)
}

// FIDetailsFormatter reads the fi_details layout: a map of FIP id to a list of
// account records, each carrying decrypted_data.Account.
type FIDetailsFormatter struct{}

type jsonObject map[string]interface{}

func (FIDetailsFormatter) Extract(raw json.RawMessage) (*domain.ExtractedReport, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root jsonObject
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}

	out := &domain.ExtractedReport{
		Accounts:     []domain.ExtractedAccount{},
		Transactions: []domain.ExtractedTransaction{},
	}

	details := root.object("fi_details")
	fipIDs := make([]string, 0, len(details))
	for fipID := range details {
		fipIDs = append(fipIDs, fipID)
	}
	sort.Strings(fipIDs)

	for _, fipID := range fipIDs {
		records, _ := details[fipID].([]interface{})
		for _, rec := range records {
			record := asObject(rec)
			if record == nil {
				continue
			}
			extractAccount(out, fipID, record)
		}
	}

	out.AccountCount = len(out.Accounts)
	out.TransactionCount = len(out.Transactions)
	return out, nil
}

func extractAccount(out *domain.ExtractedReport, fipID string, record jsonObject) {
	decrypted := record.object("decrypted_data")
	if decrypted == nil {
		decrypted = record
	}
	account := decrypted.object("Account", "account")
	if account == nil {
		account = decrypted
	}

	accountNumber := firstNonEmpty(
		record.str("masked_account"),
		account.str("accountNumber", "AccountNumber", "account_number", "maskedAccNumber", "masked_account"),
	)
	summary := account.object("Summary", "summary")
	balance := summary.dec("currentBalance", "CurrentBalance")
	if balance.IsZero() {
		balance = account.dec("balance", "Balance")
	}

	var holderName string
	holders := account.object("Profile", "profile").object("Holders", "holders")
	if holders != nil {
		holder := firstObject(holders["Holder"])
		if holder == nil {
			holder = firstObject(holders["holder"])
		}
		holderName = holder.str("name", "Name")
	}

	currency := account.str("currency", "Currency")
	if currency == "" {
		currency = "INR"
	}

	out.Accounts = append(out.Accounts, domain.ExtractedAccount{
		FIPID:         fipID,
		AccountNumber: accountNumber,
		LinkRefNumber: firstNonEmpty(record.str("link_ref_number"), account.str("link_ref_number", "linkRefNumber", "linkedAccRef")),
		AccountType:   account.str("accountType", "AccountType", "account_type", "accountSubType"),
		IFSC:          firstNonEmpty(account.str("ifsc", "IFSC", "ifscCode"), summary.str("ifscCode", "ifsc")),
		Balance:       balance,
		Currency:      currency,
		HolderName:    holderName,
		SourceURL:     record.str("source"),
	})

	txns := account.object("Transactions", "transactions")
	var list []interface{}
	if txns != nil {
		list, _ = txns["Transaction"].([]interface{})
		if list == nil {
			list, _ = txns["transaction"].([]interface{})
		}
	} else if arr, ok := account["Transactions"].([]interface{}); ok {
		list = arr
	}

	for _, item := range list {
		txn := asObject(item)
		if txn == nil {
			continue
		}
		amount := txn.dec("amount", "Amount")
		txnType := strings.ToUpper(txn.str("type", "Type"))
		if txnType == "" {
			txnType = "CREDIT"
			if amount.IsNegative() {
				txnType = "DEBIT"
			}
		}
		txnBalance := txn.dec("transactionalBalance", "balance", "Balance")
		if txnBalance.IsZero() {
			txnBalance = balance
		}
		out.Transactions = append(out.Transactions, domain.ExtractedTransaction{
			FIPID:         fipID,
			AccountNumber: accountNumber,
			Date:          txn.str("transactionTimestamp", "valueDate", "date", "Date", "transactionDate", "transaction_date"),
			ValueDate:     txn.str("valueDate"),
			TxnID:         txn.str("txnId", "txn_id", "id"),
			Narration:     txn.str("narration", "Narration", "description", "Description", "remarks", "remark"),
			Amount:        amount,
			Type:          txnType,
			Balance:       txnBalance,
			Mode:          txn.str("mode", "Mode"),
			Reference:     txn.str("reference", "Reference", "ref"),
		})
	}
}

func asObject(v interface{}) jsonObject {
	switch m := v.(type) {
	case map[string]interface{}:
		return m
	case jsonObject:
		return m
	}
	return nil
}

func firstObject(v interface{}) jsonObject {
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return nil
		}
		return asObject(list[0])
	}
	return asObject(v)
}

func (o jsonObject) object(keys ...string) jsonObject {
	if o == nil {
		return nil
	}
	for _, k := range keys {
		if m := asObject(o[k]); m != nil {
			return m
		}
	}
	return nil
}

func (o jsonObject) str(keys ...string) string {
	if o == nil {
		return ""
	}
	for _, k := range keys {
		switch v := o[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (o jsonObject) dec(keys ...string) decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	for _, k := range keys {
		var raw string
		switch v := o[k].(type) {
		case string:
			raw = strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		case json.Number:
			raw = v.String()
		default:
			continue
		}
		if raw == "" {
			continue
		}
		if d, err := decimal.NewFromString(raw); err == nil {
			return d
		}
	}
	return decimal.Zero
}
