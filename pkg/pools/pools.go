// Package pools provides object pooling for reducing GC pressure.
//
// This package contains the pool implementations used on the hot paths of
// the sweep queue:
//
//   - BytePool: Size-class based byte slice pooling
//   - BufferBuilder: Efficient key and value construction with pooling
package pools
