// Package geodb maps peer addresses to geographic and network attributes
// using an in-memory range tree loaded from a JSON data set.
package geodb

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"edgewaf/waf"
)

// NewGeoDB instantiates an empty database; load data with PutRecords or
// LoadFile.
func NewGeoDB(logger zerolog.Logger) *GeoDB {
	return &GeoDB{tree: btree.New(2), logger: logger}
}

// GeoDB implements waf.GeoDB over a btree of address ranges.
type GeoDB struct {
	tree   *btree.BTree
	logger zerolog.Logger
}

// Record is one entry of the GeoIP data set.
type Record struct {
	CIDR      string `json:"cidr"`
	Country   string `json:"country"`
	Region    string `json:"region,omitempty"`
	Subregion string `json:"subregion,omitempty"`
	Company   string `json:"company,omitempty"`
	ASN       uint32 `json:"asn,omitempty"`
}

// PutRecords replaces the database contents with the given data set. The
// old tree stays in place if any record is invalid.
func (db *GeoDB) PutRecords(records []Record) error {
	newTree := btree.New(2)
	for _, rec := range records {
		p, err := netip.ParsePrefix(rec.CIDR)
		if err != nil {
			return fmt.Errorf("invalid geo record %q: %v", rec.CIDR, err)
		}
		p = p.Masked()
		newTree.ReplaceOrInsert(treeNode{
			lo: addrKey(p.Addr()),
			hi: addrKey(lastAddr(p)),
			info: waf.GeoInfo{
				Country:   rec.Country,
				Region:    rec.Region,
				Subregion: rec.Subregion,
				Company:   rec.Company,
				ASN:       rec.ASN,
			},
		})
	}

	db.tree = newTree
	return nil
}

// LoadData replaces the database contents from a JSON data set.
func (db *GeoDB) LoadData(data []byte) error {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse geo data set: %v", err)
	}
	return db.PutRecords(records)
}

// Lookup implements waf.GeoDB.
func (db *GeoDB) Lookup(addr netip.Addr) (info waf.GeoInfo, ok bool) {
	if !addr.IsValid() {
		return
	}
	key := addrKey(addr.Unmap())
	found := db.tree.Get(treeNode{lo: key, hi: key})
	if found == nil {
		// The data set does not cover reserved space, so a miss for a
		// private or loopback peer is expected.
		if !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
			db.logger.Debug().Stringer("addr", addr).Msg("GeoDB lookup miss")
		}
		return
	}
	return found.(treeNode).info, true
}

// treeNode is one address range. Overlapping ranges compare as equal, so a
// point query finds the range containing it.
type treeNode struct {
	lo   [16]byte
	hi   [16]byte
	info waf.GeoInfo
}

func (n treeNode) Less(other btree.Item) bool {
	o := other.(treeNode)
	return compareKeys(n.hi, o.lo) < 0
}

func addrKey(a netip.Addr) [16]byte {
	return a.As16()
}

func compareKeys(a, b [16]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func lastAddr(p netip.Prefix) netip.Addr {
	a := p.Addr().As16()
	bits := p.Bits()
	if p.Addr().Is4() {
		bits += 96
	}
	for b := bits; b < 128; b++ {
		a[b/8] |= 1 << (7 - b%8)
	}
	return netip.AddrFrom16(a)
}
