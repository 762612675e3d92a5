package ucs

import (
	"strings"

	"golang.org/x/net/html"
)

// flightInfo is what the flight-info page scrape yields.
type flightInfo struct {
	Aircraft      string
	Registration  string
	CompetitionID string
	PilotComment  string
}

// parseFlightInfo extracts the aircraft block and pilot comment from
// the flight-info HTML. The page's button bar carries a dropdown <dl>
// whose first three <dd> entries are aircraft type, registration and
// competition id; the comment lives in the olcfiComment info box as
// the first paragraph of the first blockquote. A comment of the form
// "- no Comment -" is treated as absent.
func parseFlightInfo(body []byte) (flightInfo, error) {
	var info flightInfo
	root, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return info, err
	}

	if bar := findByClass(root, "div", "OlcButtonBar"); bar != nil {
		if menu := findByClass(bar, "div", "dropdown-menu"); menu != nil {
			if dl := findByTag(menu, "dl"); dl != nil {
				dds := childrenByTag(dl, "dd")
				if len(dds) > 0 {
					info.Aircraft = strings.TrimSpace(directText(dds[0]))
				}
				if len(dds) > 1 {
					info.Registration = FormatRegistration(strings.TrimSpace(directText(dds[1])))
				}
				if len(dds) > 2 {
					info.CompetitionID = strings.TrimSpace(directText(dds[2]))
				}
			}
		}
	}

	if box := findByClass(root, "div", "OlcFlightInfoBox", "olcfiComment"); box != nil {
		if bq := findByTag(box, "blockquote"); bq != nil {
			if p := findByTag(bq, "p"); p != nil {
				var chunks []string
				for c := p.FirstChild; c != nil; c = c.NextSibling {
					if c.Type == html.TextNode {
						if t := strings.TrimSpace(c.Data); t != "" {
							chunks = append(chunks, t)
						}
					}
				}
				comment := strings.Join(chunks, "\n\n")
				if len(comment) > 0 && !(comment[0] == '-' && comment[len(comment)-1] == '-') {
					info.PilotComment = comment
				}
			}
		}
	}
	return info, nil
}

// extractMobileLoginFragment pulls the #OLCmobileLogin element out of a
// failed login page for diagnostics.
func extractMobileLoginFragment(body string) string {
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	node := findByID(root, "OLCmobileLogin")
	if node == nil {
		return ""
	}
	var sb strings.Builder
	if err := html.Render(&sb, node); err != nil {
		return ""
	}
	return sb.String()
}

// findByClass returns the first descendant with the given tag carrying
// every listed class.
func findByClass(n *html.Node, tag string, classes ...string) *html.Node {
	var walk func(*html.Node) *html.Node
	walk = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && n.Data == tag && hasClasses(n, classes) {
			return n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := walk(c); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(n)
}

func hasClasses(n *html.Node, classes []string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		have := strings.Fields(a.Val)
		for _, want := range classes {
			found := false
			for _, h := range have {
				if h == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	return false
}

func findByTag(n *html.Node, tag string) *html.Node {
	var walk func(*html.Node) *html.Node
	walk = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && n.Data == tag {
			return n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := walk(c); found != nil {
				return found
			}
		}
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := walk(c); found != nil {
			return found
		}
	}
	return nil
}

func findByID(n *html.Node, id string) *html.Node {
	var walk func(*html.Node) *html.Node
	walk = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key == "id" && a.Val == id {
					return n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := walk(c); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(n)
}

// childrenByTag returns the direct children of n with the given tag.
func childrenByTag(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			out = append(out, c)
		}
	}
	return out
}

// directText concatenates the immediate text children of n, skipping
// nested elements.
func directText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}
