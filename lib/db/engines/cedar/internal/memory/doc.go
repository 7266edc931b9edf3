// Package memory provides the raw mapped memory behind a cedar map.
//
// A Region consists of extents. Extent 0 holds the file header followed by the
// primary tier of every segment. Overflow tiers are handed out from bulk
// extents that are appended on demand: file-backed regions grow the file and
// map the new range at its file offset, anonymous regions map fresh anonymous
// memory. Extents never move once mapped, so slices into them stay valid until
// the region is closed.
//
// Everything a second process needs to attach is stored in the header: the
// geometry of the map, the number of allocated tiers and mapped bulks, and a
// spin-lock word that serializes tier allocation across processes.
package memory
