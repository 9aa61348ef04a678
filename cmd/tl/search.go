package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/search"
)

var (
	searchTypes      []string
	searchStatus     []string
	searchPriority   []string
	searchCategory   []string
	searchTags       []string
	searchUser       string
	searchWorkspace  string
	searchSince      string
	searchUntil      string
	searchSort       string
	searchOrder      string
	searchLimit      int
	searchOffset     int
	searchNoSnippets bool
)

var searchCmd = &cobra.Command{
	Use:     "search [query...]",
	GroupID: "data",
	Short:   "Full-text search with typo tolerance",
	Long: `Search titles, keywords and content of every record.

Exact word matches rank above fuzzy ones. An empty query lists everything
that passes the filters. --since and --until accept dates (2024-03-01),
RFC 3339 timestamps or phrases such as "yesterday" or "3 days ago".

  tl search quarterly report --type task --status todo --since "last monday"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildSearchRequest(strings.Join(args, " "), time.Now())
		if err != nil {
			return err
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		resp, err := s.Search(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp)
		}
		printSearch(resp)
		return nil
	},
}

func buildSearchRequest(query string, now time.Time) (search.Request, error) {
	req := search.Request{
		Query:     query,
		SortBy:    search.SortKey(searchSort),
		Order:     search.Order(searchOrder),
		Offset:    searchOffset,
		Limit:     searchLimit,
		Highlight: true,
		Snippet:   !searchNoSnippets,
		Filters: search.Filters{
			UserID:      searchUser,
			WorkspaceID: searchWorkspace,
			Status:      searchStatus,
			Priority:    searchPriority,
			Category:    searchCategory,
			Tags:        searchTags,
		},
	}
	switch req.SortBy {
	case "", search.SortRelevance, search.SortDate, search.SortName:
	default:
		return req, fmt.Errorf("unknown sort %q (relevance, date, name)", searchSort)
	}
	switch req.Order {
	case "", search.Asc, search.Desc:
	default:
		return req, fmt.Errorf("unknown order %q (asc, desc)", searchOrder)
	}
	for _, raw := range searchTypes {
		t, err := schema.ParseEntityType(raw)
		if err != nil {
			return req, err
		}
		req.EntityTypes = append(req.EntityTypes, t)
	}

	var err error
	if req.Filters.From, err = parseTimeFlag(searchSince, now); err != nil {
		return req, fmt.Errorf("--since: %w", err)
	}
	if req.Filters.To, err = parseTimeFlag(searchUntil, now); err != nil {
		return req, fmt.Errorf("--until: %w", err)
	}
	return req, nil
}

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseTimeFlag accepts RFC 3339, YYYY-MM-DD or a natural-language phrase
// relative to now. An empty value yields nil.
func parseTimeFlag(value string, now time.Time) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, now.Location()); err == nil {
		return &t, nil
	}
	r, err := timeParser.Parse(value, now)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", value, err)
	}
	if r == nil {
		return nil, fmt.Errorf("cannot understand time %q", value)
	}
	return &r.Time, nil
}

func printSearch(resp *search.Response) {
	if resp.TotalCount == 0 {
		fmt.Println("No results")
		if len(resp.Suggestions) > 0 {
			fmt.Printf("Did you mean: %s\n", strings.Join(resp.Suggestions, ", "))
		}
		return
	}

	fmt.Printf("%s %d result(s) in %v\n\n", renderAccent("🔍"), resp.TotalCount, resp.QueryTime.Round(time.Microsecond))
	for _, r := range resp.Results {
		title := highlightTitle(r)
		fmt.Printf("%s %s  %s\n", renderMuted(string(r.Item.EntityType)), r.Item.EntityID, title)
		if r.Snippet != "" {
			fmt.Printf("   %s\n", renderMuted(r.Snippet))
		}
	}
	if len(resp.Results) < resp.TotalCount {
		fmt.Printf("\n%s\n", renderMuted(fmt.Sprintf("showing %d of %d, use --offset for more", len(resp.Results), resp.TotalCount)))
	}
	if len(resp.Suggestions) > 0 {
		fmt.Printf("\nRelated: %s\n", strings.Join(resp.Suggestions, ", "))
	}
}

// highlightTitle marks the matched words of the title.
func highlightTitle(r search.Result) string {
	title := r.Item.Title
	var b strings.Builder
	pos := 0
	for _, h := range r.Highlights {
		if h.Field != "title" || h.Start < pos || h.End > len(title) {
			continue
		}
		b.WriteString(title[pos:h.Start])
		b.WriteString(renderWarn(title[h.Start:h.End]))
		pos = h.End
	}
	b.WriteString(title[pos:])
	return b.String()
}

func init() {
	f := searchCmd.Flags()
	f.StringSliceVar(&searchTypes, "type", nil, "limit to entity types (workspace, task, file)")
	f.StringSliceVar(&searchStatus, "status", nil, "filter by status")
	f.StringSliceVar(&searchPriority, "priority", nil, "filter by priority")
	f.StringSliceVar(&searchCategory, "category", nil, "filter by category")
	f.StringSliceVar(&searchTags, "tag", nil, "filter by tag (any of)")
	f.StringVar(&searchUser, "user", "", "filter by user id")
	f.StringVar(&searchWorkspace, "workspace", "", "filter by workspace id")
	f.StringVar(&searchSince, "since", "", "only records modified after this time")
	f.StringVar(&searchUntil, "until", "", "only records modified before this time")
	f.StringVar(&searchSort, "sort", "", "relevance, date or name")
	f.StringVar(&searchOrder, "order", "", "asc or desc")
	f.IntVar(&searchLimit, "limit", search.DefaultLimit, "maximum results")
	f.IntVar(&searchOffset, "offset", 0, "skip this many results")
	f.BoolVar(&searchNoSnippets, "no-snippets", false, "omit content snippets")

	rootCmd.AddCommand(searchCmd)
}
