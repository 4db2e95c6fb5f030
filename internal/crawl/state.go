package crawl

import "sort"

// crawlState holds the traversal bookkeeping of a single run: the FIFO
// frontier, the visited set (addresses enqueued at least once), the origin set
// (hosts of every visited-set member), and the count of addresses dispatched
// so far. It is owned exclusively by the Controller and mutated only between
// batch joins, so it needs no locking.
type crawlState struct {
	frontier []string
	visited  map[string]struct{}
	origins  map[string]struct{}
	crawled  int
}

func newCrawlState(seed string) *crawlState {
	s := &crawlState{
		frontier: []string{seed},
		visited:  map[string]struct{}{seed: {}},
		origins:  make(map[string]struct{}),
	}
	s.recordOrigin(seed)
	return s
}

// takeBatch removes up to n addresses from the head of the frontier in FIFO
// order and counts each as dispatched. The count moves at selection time, not
// at fetch completion.
func (s *crawlState) takeBatch(n int) []string {
	if n > len(s.frontier) {
		n = len(s.frontier)
	}
	if n <= 0 {
		return nil
	}
	batch := make([]string, n)
	copy(batch, s.frontier[:n])
	s.frontier = s.frontier[n:]
	s.crawled += n
	return batch
}

// admit adds a discovered link to the visited set and frontier unless it was
// ever admitted before. Origin tracking rides along; its failure never blocks
// admission. Reports whether the link was new.
func (s *crawlState) admit(link string) bool {
	if _, ok := s.visited[link]; ok {
		return false
	}
	s.visited[link] = struct{}{}
	s.frontier = append(s.frontier, link)
	s.recordOrigin(link)
	return true
}

// recordOrigin inserts the address's host into the origin set when it parses;
// malformed addresses are skipped silently.
func (s *crawlState) recordOrigin(address string) {
	host, err := Origin(address)
	if err != nil {
		return
	}
	s.origins[host] = struct{}{}
}

// snapshot produces the terminal CrawlResult with sets flattened to sorted
// slices.
func (s *crawlState) snapshot() *CrawlResult {
	links := make([]string, 0, len(s.visited))
	for link := range s.visited {
		links = append(links, link)
	}
	sort.Strings(links)

	domains := make([]string, 0, len(s.origins))
	for origin := range s.origins {
		domains = append(domains, origin)
	}
	sort.Strings(domains)

	return &CrawlResult{
		TotalLinksCrawled: s.crawled,
		LinksDiscovered:   links,
		DomainsDiscovered: domains,
	}
}
