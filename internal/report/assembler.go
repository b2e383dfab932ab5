// Package report assembles the liquidation PDF: a landscape summary page
// followed by a portrait appendix with one proof image per entry.
package report

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"

	"github.com/expensio/expensio/internal/blob"
	"github.com/expensio/expensio/internal/config"
	"github.com/expensio/expensio/internal/errors"
	"github.com/expensio/expensio/internal/ledger"
	"github.com/expensio/expensio/internal/metrics"
)

// BlobReader fetches stored documents by reference.
type BlobReader interface {
	Get(key string) (blob.Payload, bool, error)
}

// AppendixSummary reports how the appendix was populated.
type AppendixSummary struct {
	Images       int
	Placeholders int
}

// Document is one assembled report.
type Document struct {
	Bytes    []byte
	Filename string
	Appendix AppendixSummary
}

// Totals is the money summary printed on the main page.
type Totals struct {
	Spent    float64
	Received float64
	Balance  float64 // positive is surplus, negative is shortage
}

// ComputeTotals derives the money summary from the entries and the advance.
func ComputeTotals(entries []ledger.Entry, meta ledger.Metadata) Totals {
	var spent float64
	for _, e := range entries {
		spent += e.Amount
	}
	return Totals{
		Spent:    spent,
		Received: meta.ReceivedAmount,
		Balance:  meta.ReceivedAmount - spent,
	}
}

var a4 = fpdf.SizeType{Wd: 210, Ht: 297}

const (
	marginMM       = 15
	landscapePageH = 210.0
	appendixImgWMM = 120
	appendixMaxHMM = 150
	placeholderHMM = 30
	landscapePageW = 297.0
	portraitPageW  = 210.0
	portraitPageH  = 297.0
	tableRowHeight = 7.0
	issuerFallback = "(address not captured)"
	untitledEntry  = "(untitled)"
)

// Assembler builds liquidation reports.
type Assembler struct {
	blobs  BlobReader
	logger *zap.Logger
	now    func() time.Time
}

// New creates a report assembler.
func New(blobs BlobReader, logger *zap.Logger) *Assembler {
	return &Assembler{blobs: blobs, logger: logger, now: time.Now}
}

// Assemble builds the PDF. It refuses an empty ledger and a missing
// signature up front, before any page is produced; past that point a bad
// entry degrades to a placeholder rather than failing the export.
func (a *Assembler) Assemble(entries []ledger.Entry, meta ledger.Metadata, identity config.ReportConfig) (doc *Document, err error) {
	if len(entries) == 0 {
		metrics.ReportExportsTotal.WithLabelValues("rejected").Inc()
		return nil, errors.ErrEmptyLedger
	}
	if meta.SignatureRef == "" {
		metrics.ReportExportsTotal.WithLabelValues("rejected").Inc()
		return nil, errors.ErrNoSignature
	}

	started := a.now()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Report assembly panicked", zap.Any("panic", r))
			metrics.ReportExportsTotal.WithLabelValues("error").Inc()
			doc = nil
			err = errors.New(errors.ErrAssemblyFailed.Code, errors.ErrAssemblyFailed.Message)
		}
		metrics.ReportAssemblySeconds.Observe(time.Since(started).Seconds())
	}()

	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(marginMM, marginMM, marginMM)
	// Auto page break is off: every page is added through AddPageFormat with
	// its orientation stated, so no section can inherit another's format
	// through an implicit break.
	pdf.SetAutoPageBreak(false, marginMM)

	a.mainPage(pdf, entries, meta, identity)
	summary := a.appendix(pdf, entries)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		metrics.ReportExportsTotal.WithLabelValues("error").Inc()
		return nil, errors.Wrap(err, errors.ErrAssemblyFailed.Code, errors.ErrAssemblyFailed.Message)
	}

	metrics.ReportExportsTotal.WithLabelValues("ok").Inc()
	return &Document{
		Bytes:    buf.Bytes(),
		Filename: filename(meta, a.now()),
		Appendix: summary,
	}, nil
}

func filename(meta ledger.Metadata, now time.Time) string {
	claimant := strings.ToLower(strings.TrimSpace(meta.Claimant))
	claimant = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, claimant)
	claimant = strings.Trim(claimant, "-")
	if claimant == "" {
		claimant = "report"
	}
	return fmt.Sprintf("liquidation-%s-%s.pdf", claimant, now.Format("2006-01-02"))
}

// mainPage renders the landscape summary: letterhead, header fields, the
// entry table, totals, and the signature block. Orientation is explicit so
// a preceding appendix page can never bleed its format into a rebuild.
func (a *Assembler) mainPage(pdf *fpdf.Fpdf, entries []ledger.Entry, meta ledger.Metadata, identity config.ReportConfig) {
	pdf.AddPageFormat("L", a4)

	// Letterhead.
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 7, identity.Organization, "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 5, identity.Address, "", 1, "C", false, 0, "")
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "B", 12)
	title := identity.Title
	if title == "" {
		title = "Liquidation Report"
	}
	pdf.CellFormat(0, 7, title, "", 1, "C", false, 0, "")
	pdf.Ln(3)

	// Header fields in two columns.
	pdf.SetFont("Helvetica", "", 10)
	left := [][2]string{
		{"Claimant", meta.Claimant},
		{"Purpose", meta.Purpose},
		{"Period", periodLabel(meta)},
	}
	totals := ComputeTotals(entries, meta)
	right := [][2]string{
		{"Cash received", money(totals.Received)},
		{"Total spent", money(totals.Spent)},
		{balanceLabel(totals.Balance), money(abs(totals.Balance))},
	}
	colW := (landscapePageW - 2*marginMM) / 2
	for i := 0; i < len(left); i++ {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(30, 6, left[i][0]+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(colW-30, 6, left[i][1], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(40, 6, right[i][0]+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(colW-40, 6, right[i][1], "", 1, "R", false, 0, "")
	}
	pdf.Ln(4)

	a.entryTable(pdf, entries)

	// Signature block.
	pdf.Ln(10)
	a.signatureBlock(pdf, meta)
}

func (a *Assembler) entryTable(pdf *fpdf.Fpdf, entries []ledger.Entry) {
	widths := []float64{10, 24, 78, 70, 30, 40, 15}
	headers := []string{"#", "Date", "Description", "Issuer", "Category", "Amount", "Proof"}

	writeHeader := func() {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.SetFillColor(230, 230, 230)
		for i, h := range headers {
			pdf.CellFormat(widths[i], tableRowHeight, h, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 9)
	}
	writeHeader()

	for i, e := range entries {
		if pdf.GetY()+tableRowHeight > landscapePageH-marginMM {
			pdf.AddPageFormat("L", a4)
			writeHeader()
		}
		titleText := e.Title
		if titleText == "" {
			titleText = untitledEntry
		}
		issuer := e.IssuerAddress
		if issuer == "" {
			issuer = issuerFallback
		}
		proof := fmt.Sprintf("A-%d", i+1)
		if e.ReceiptRef == "" {
			proof = "-"
		}
		cells := []struct {
			text  string
			align string
		}{
			{fmt.Sprintf("%d", i+1), "C"},
			{e.Date, "C"},
			{clip(pdf, titleText, widths[2]-2), "L"},
			{clip(pdf, issuer, widths[3]-2), "L"},
			{e.Category, "C"},
			{e.Currency + " " + money(e.Amount), "R"},
			{proof, "C"},
		}
		for j, c := range cells {
			pdf.CellFormat(widths[j], tableRowHeight, c.text, "1", 0, c.align, false, 0, "")
		}
		pdf.Ln(-1)
	}
}

func (a *Assembler) signatureBlock(pdf *fpdf.Fpdf, meta ledger.Metadata) {
	if pdf.GetY()+45 > landscapePageH-marginMM {
		pdf.AddPageFormat("L", a4)
	}

	x := landscapePageW - marginMM - 70
	y := pdf.GetY()

	payload, ok, err := a.blobs.Get(meta.SignatureRef)
	if err != nil || !ok {
		if err != nil {
			a.logger.Warn("Failed to load signature blob", zap.Error(err))
			metrics.BlobErrorsTotal.Inc()
		}
		pdf.SetFont("Helvetica", "I", 9)
		pdf.SetXY(x, y)
		pdf.CellFormat(70, 6, "(signature unavailable)", "", 1, "C", false, 0, "")
	} else if name, imgOK := a.registerImage(pdf, "signature", payload); imgOK {
		pdf.ImageOptions(name, x+10, y, 50, 0, false, fpdf.ImageOptions{ImageType: imageType(payload.ContentType)}, 0, "")
		pdf.SetY(y + 22)
	}

	pdf.SetXY(x, pdf.GetY())
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(70, 5, strings.Repeat("_", 36), "", 1, "C", false, 0, "")
	pdf.SetX(x)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(70, 5, meta.Claimant, "", 1, "C", false, 0, "")
	pdf.SetX(x)
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(70, 4, "Claimant", "", 1, "C", false, 0, "")

	if meta.ApproverName != "" {
		pdf.SetXY(marginMM, pdf.GetY()-14)
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(70, 5, strings.Repeat("_", 36), "", 1, "C", false, 0, "")
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(70, 5, meta.ApproverName, "", 1, "C", false, 0, "")
		pdf.SetFont("Helvetica", "", 8)
		pdf.CellFormat(70, 4, "Approved by", "", 1, "C", false, 0, "")
	}
}

// appendix renders one labeled proof image per entry on portrait pages. A
// failing entry gets a placeholder note; the rest of the appendix is
// unaffected.
func (a *Assembler) appendix(pdf *fpdf.Fpdf, entries []ledger.Entry) AppendixSummary {
	var summary AppendixSummary

	pdf.AddPageFormat("P", a4)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Appendix: Proof of Expense", "", 1, "C", false, 0, "")
	pdf.Ln(2)

	for i, e := range entries {
		label := fmt.Sprintf("A-%d  %s", i+1, e.Title)
		if e.Title == "" {
			label = fmt.Sprintf("A-%d  %s", i+1, untitledEntry)
		}

		payload, found := a.fetchReceipt(e)
		blockH := float64(placeholderHMM)
		name := ""
		var imgH float64
		if found {
			var ok bool
			name, imgH, ok = a.prepareAppendixImage(pdf, e, payload)
			if ok {
				blockH = imgH + 12
			} else {
				found = false
			}
		}

		if pdf.GetY()+blockH > portraitPageH-marginMM {
			pdf.AddPageFormat("P", a4)
		}

		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(0, 6, label, "", 1, "L", false, 0, "")

		if found {
			x := (portraitPageW - appendixImgWMM) / 2
			pdf.ImageOptions(name, x, pdf.GetY(), appendixImgWMM, imgH, false, fpdf.ImageOptions{ImageType: imageType(payload.ContentType)}, 0, "")
			pdf.SetY(pdf.GetY() + imgH + 4)
			summary.Images++
		} else {
			pdf.SetFont("Helvetica", "I", 9)
			pdf.CellFormat(0, 6, "(proof image unavailable)", "1", 1, "C", false, 0, "")
			pdf.Ln(4)
			summary.Placeholders++
		}
	}

	return summary
}

func (a *Assembler) fetchReceipt(e ledger.Entry) (blob.Payload, bool) {
	if e.ReceiptRef == "" {
		return blob.Payload{}, false
	}
	payload, ok, err := a.blobs.Get(e.ReceiptRef)
	if err != nil {
		a.logger.Warn("Failed to load receipt blob", zap.String("ref", e.ReceiptRef), zap.Error(err))
		metrics.BlobErrorsTotal.Inc()
		return blob.Payload{}, false
	}
	return payload, ok
}

// prepareAppendixImage validates and registers one receipt image and returns
// its rendered height. Validation happens before registration because a bad
// image handed to the PDF writer poisons the whole document.
func (a *Assembler) prepareAppendixImage(pdf *fpdf.Fpdf, e ledger.Entry, payload blob.Payload) (string, float64, bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload.Data))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		a.logger.Warn("Skipping undecodable receipt image", zap.String("ref", e.ReceiptRef), zap.Error(err))
		return "", 0, false
	}

	name, ok := a.registerImage(pdf, e.ReceiptRef, payload)
	if !ok {
		return "", 0, false
	}

	h := appendixImgWMM * float64(cfg.Height) / float64(cfg.Width)
	if h > appendixMaxHMM {
		h = appendixMaxHMM
	}
	return name, h, true
}

// registerImage feeds image bytes to the PDF writer, clearing any sticky
// error a rejected image leaves behind so one bad blob cannot fail the
// document.
func (a *Assembler) registerImage(pdf *fpdf.Fpdf, name string, payload blob.Payload) (string, bool) {
	opts := fpdf.ImageOptions{ImageType: imageType(payload.ContentType)}
	info := pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(payload.Data))
	if pdf.Err() {
		a.logger.Warn("PDF writer rejected image", zap.String("name", name), zap.Error(pdf.Error()))
		pdf.ClearError()
		return "", false
	}
	if info == nil {
		return "", false
	}
	return name, true
}

func imageType(mime string) string {
	switch strings.ToLower(mime) {
	case "image/png":
		return "PNG"
	case "image/gif":
		return "GIF"
	default:
		return "JPEG"
	}
}

func periodLabel(meta ledger.Metadata) string {
	if meta.PeriodLabel != "" {
		return meta.PeriodLabel
	}
	if meta.StartDate != "" || meta.EndDate != "" {
		return fmt.Sprintf("%s to %s", meta.StartDate, meta.EndDate)
	}
	return ""
}

func balanceLabel(balance float64) string {
	if balance < 0 {
		return "Shortage (for reimbursement)"
	}
	return "Surplus (for return)"
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clip(pdf *fpdf.Fpdf, s string, width float64) string {
	for pdf.GetStringWidth(s) > width && len(s) > 3 {
		s = s[:len(s)-4] + "..."
	}
	return s
}
