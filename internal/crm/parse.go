package crm

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crm-phone-scraper/internal/scraper"
)

var (
	accountIDPattern = regexp.MustCompile(`#(\d+)`)
	usernamePattern  = regexp.MustCompile(`@([\w\-.]+)`)
	phonePattern     = regexp.MustCompile(`\b(7\d{10})\b`)
	urlPattern       = regexp.MustCompile(`https?://\S+`)

	accountRowSelectors = []string{
		"table tbody tr",
		"table tr",
		`div[role="row"]`,
		"tr[data-key]",
		".grid-view tbody tr",
	}
	phoneRowSelectors = []string{
		"table tbody tr",
		"table tr",
		"tr[data-key]",
		".grid-view tbody tr",
		`div[role="row"]`,
	}
	phoneHeaderMarkers = []string{"ТЕЛЕФОН", "ПРОЕКТ"}
)

const (
	accountHeaderMarker = "Пользователь"
	tokenMarker         = "signin?token="
)

func parseDocument(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// rows returns the first non-empty selection among selectors.
func rows(doc *goquery.Document, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if found := doc.Find(sel); found.Length() > 0 {
			return found
		}
	}
	return nil
}

// rowText joins cell texts with spaces so adjacent cells do not run together.
func rowText(row *goquery.Selection) string {
	cells := row.Find("td, th")
	if cells.Length() == 0 {
		return strings.Join(strings.Fields(row.Text()), " ")
	}
	parts := make([]string, 0, cells.Length())
	cells.Each(func(_ int, c *goquery.Selection) {
		if t := strings.Join(strings.Fields(c.Text()), " "); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

// ParseAccounts extracts account rows from a listing page. Rows without an
// "#<digits>" marker are ignored, as is the header row. A row without an
// "@username" keeps an empty username.
func ParseAccounts(html string) ([]scraper.Listing, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}
	found := rows(doc, accountRowSelectors)
	if found == nil {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var out []scraper.Listing
	found.Each(func(_ int, row *goquery.Selection) {
		text := rowText(row)
		if text == "" || strings.Contains(text, accountHeaderMarker) {
			return
		}
		m := accountIDPattern.FindStringSubmatch(text)
		if m == nil {
			return
		}
		if _, dup := seen[m[1]]; dup {
			return
		}
		seen[m[1]] = struct{}{}
		l := scraper.Listing{AccountID: m[1]}
		if u := usernamePattern.FindStringSubmatch(text); u != nil {
			l.Username = u[1]
		}
		out = append(out, l)
	})
	return out, nil
}

// ParsePhones extracts deduplicated 11-digit numbers starting with 7 from a
// phone listing page, in page order. ok is false when the page has no table.
func ParsePhones(html string) (phones []string, ok bool, err error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, false, err
	}
	found := rows(doc, phoneRowSelectors)
	if found == nil {
		return nil, false, nil
	}
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		phones = append(phones, p)
	}
	found.Each(func(_ int, row *goquery.Selection) {
		text := rowText(row)
		if text == "" || isPhoneHeader(text) {
			return
		}
		if m := phonePattern.FindStringSubmatch(text); m != nil {
			add(m[1])
			return
		}
		row.Find("td").EachWithBreak(func(_ int, c *goquery.Selection) bool {
			if cell := strings.TrimSpace(c.Text()); isPhoneCell(cell) {
				add(cell)
				return false
			}
			return true
		})
	})
	return phones, true, nil
}

func isPhoneHeader(text string) bool {
	upper := strings.ToUpper(text)
	for _, m := range phoneHeaderMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

func isPhoneCell(s string) bool {
	if len(s) != 11 || s[0] != '7' {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ExtractTokenURL returns the first URL in text that carries a sign-in
// token, or "" when there is none.
func ExtractTokenURL(text string) string {
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, `"'.,;)`)
		if strings.Contains(u, tokenMarker) {
			return u
		}
	}
	return ""
}

// rowIndex returns the position among all "tr" elements of the first row
// whose text contains "#<id>", or -1.
func rowIndex(html, accountID string) (int, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return -1, err
	}
	marker := "#" + accountID
	idx := -1
	doc.Find("tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		text := rowText(row)
		// "#12" must not match "#123".
		for _, m := range accountIDPattern.FindAllStringSubmatch(text, -1) {
			if "#"+m[1] == marker {
				idx = i
				return false
			}
		}
		return true
	})
	return idx, nil
}

// tokenInPage looks for a token URL in notification widgets, falling back to
// the whole document text.
func tokenInPage(html string) (string, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return "", err
	}
	var token string
	doc.Find(`.alert, .notification, [role="alert"], .toast, .snackbar`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		token = ExtractTokenURL(s.Text())
		return token == ""
	})
	if token == "" {
		token = ExtractTokenURL(doc.Text())
	}
	return token, nil
}

// PageURL returns rawURL with its page query parameter set to page.
func PageURL(rawURL string, page int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CurrentPage reads the page query parameter, defaulting to 1.
func CurrentPage(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 1
	}
	n, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// hasNextPhonePage inspects the pager of a phone listing. Pager links carry
// a zero-based data-page attribute, so only links past the current page
// count as "next".
func hasNextPhonePage(html string, current int) (bool, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return false, err
	}
	for _, sel := range []string{
		"li.next:not(.disabled) a",
		".pagination .next:not(.disabled) a",
		`li:not(.disabled) > a[rel="next"]`,
	} {
		if doc.Find(sel).Length() > 0 {
			return true, nil
		}
	}
	next := false
	doc.Find("a[data-page]:not(.disabled)").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if a.ParentFiltered("li.disabled").Length() > 0 {
			return true
		}
		raw, _ := a.Attr("data-page")
		n, err := strconv.Atoi(raw)
		if err == nil && n+1 > current {
			next = true
			return false
		}
		return true
	})
	return next, nil
}

// pageSizeActive reports whether the page-size option for size is already
// selected in the dropdown.
func pageSizeActive(html string, size int) (bool, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return false, err
	}
	sel := `li.active > a[href*="pageSize=` + strconv.Itoa(size) + `"]`
	return doc.Find(sel).Length() > 0, nil
}
