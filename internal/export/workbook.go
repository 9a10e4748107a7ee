package export

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/christmasforkids/cfk-sponsorship/internal/db"
	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

type SheetSpec struct {
	Title  string
	Header []string
	Rows   [][]string
}

// NewWorkbook lays each spec out on its own sheet, in order.
func NewWorkbook(sheets []SheetSpec) (*excelize.File, error) {
	f := excelize.NewFile()
	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", s.Title); err != nil {
				return nil, fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(s.Title); err != nil {
			return nil, fmt.Errorf("new sheet: %w", err)
		}

		header := make([]any, len(s.Header))
		for i, h := range s.Header {
			header[i] = h
		}
		if err := f.SetSheetRow(s.Title, "A1", &header); err != nil {
			return nil, fmt.Errorf("%s header: %w", s.Title, err)
		}
		for r, row := range s.Rows {
			cells := make([]any, len(row))
			for i, v := range row {
				cells[i] = v
			}
			cell := "A" + strconv.Itoa(r+2)
			if err := f.SetSheetRow(s.Title, cell, &cells); err != nil {
				return nil, fmt.Errorf("%s row %d: %w", s.Title, r+2, err)
			}
		}
		if err := ApplyDefaultFormatting(f, s.Title); err != nil {
			return nil, err
		}
	}
	return f, nil
}

var childHeader = []string{
	"ID", "Family", "Letter", "Age", "Gender", "Grade", "Status", "Reserved at",
	"Interests", "Wish list", "Needs", "Pants", "Shirt", "Shoes", "Special needs",
}

var sponsorshipHeader = []string{
	"Sponsorship", "Child", "Status", "Sponsor", "Email", "Phone", "Address", "Gift",
	"Message", "Requested", "Confirmed", "Logged", "Completed", "Cancelled", "Reason",
}

// Sheets reads everything the volunteers reconcile against: every child and every sponsorship.
func Sheets(ctx context.Context, catalog db.Catalog, loc *time.Location) ([]SheetSpec, error) {
	if loc == nil {
		loc = time.UTC
	}
	kids, err := catalog.ListChildren(ctx, models.ChildFilter{})
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	sps, err := catalog.ListSponsorshipDetails(ctx, models.SponsorshipFilter{})
	if err != nil {
		return nil, fmt.Errorf("list sponsorships: %w", err)
	}

	children := SheetSpec{Title: "Children", Header: childHeader}
	for _, c := range kids {
		children.Rows = append(children.Rows, []string{
			c.DisplayID(), c.FamilyNumber, c.Letter, c.AgeLabel(), c.Gender, c.Grade, string(c.Status),
			stamp(c.ReservedAt, loc), c.Interests, c.WishList, c.Needs,
			c.ClothingPants, c.ClothingShirt, c.ShoeSize, c.SpecialNeeds,
		})
	}

	sponsorships := SheetSpec{Title: "Sponsorships", Header: sponsorshipHeader}
	for _, d := range sps {
		s := d.Sponsorship
		sponsorships.Rows = append(sponsorships.Rows, []string{
			strconv.FormatInt(s.ID, 10), d.Child.DisplayID(), string(s.Status),
			s.SponsorName, s.SponsorEmail, s.SponsorPhone, s.SponsorAddress, string(s.GiftPreference),
			s.Message, stamp(&s.RequestedAt, loc), stamp(s.ConfirmedAt, loc), stamp(s.LoggedAt, loc),
			stamp(s.CompletedAt, loc), stamp(s.CancelledAt, loc), s.CancellationReason,
		})
	}
	return []SheetSpec{children, sponsorships}, nil
}

// Write streams the Children/Sponsorships workbook to w.
func Write(ctx context.Context, catalog db.Catalog, loc *time.Location, w io.Writer) error {
	sheets, err := Sheets(ctx, catalog, loc)
	if err != nil {
		return err
	}
	f, err := NewWorkbook(sheets)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteTo(w)
	return err
}

func stamp(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(loc).Format("2006-01-02 15:04")
}
