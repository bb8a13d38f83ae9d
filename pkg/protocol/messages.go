package protocol

// Message types carried in Envelope.Type.
const (
	TypeAnnounce    = "announce"     // advertiser -> hub: start broadcasting
	TypeScan        = "scan"         // scanner -> hub: subscribe to sightings
	TypeSighting    = "sighting"     // hub -> scanner: advertiser seen
	TypeBlobRequest = "blob_request" // scanner -> hub: read an advertiser's blob
	TypeBlobReply   = "blob_reply"   // hub -> scanner: blob contents or error
)

// Announce registers an advertisement with the hub. The hub assigns the
// advertiser a radio address and relays sightings to matching scanners
// for as long as the advertiser's connection stays open.
type Announce struct {
	ServiceTag string `json:"service_tag"`
	Name       string `json:"name,omitempty"`
	Blob       []byte `json:"blob"`
}

// Scan subscribes the connection to sightings for one service tag.
type Scan struct {
	ServiceTag string `json:"service_tag"`
}

// Sighting reports one visible advertiser to a scanner.
type Sighting struct {
	Addr       string `json:"addr"`
	Name       string `json:"name,omitempty"`
	ServiceTag string `json:"service_tag"`
	RSSI       int    `json:"rssi"`
}

// BlobRequest asks the hub for the blob of a previously sighted advertiser.
type BlobRequest struct {
	Addr string `json:"addr"`
}

// BlobReply answers a BlobRequest. Err is set when the advertiser is gone.
type BlobReply struct {
	Addr string `json:"addr"`
	Blob []byte `json:"blob,omitempty"`
	Err  string `json:"err,omitempty"`
}
