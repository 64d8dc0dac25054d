package ariarpc

// aria2 reports numbers as decimal strings; the fields keep them that way.

// Options are aria2 option names mapped to their string values.
type Options map[string]string

type URI struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

type File struct {
	Index           string `json:"index"`
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
	Selected        string `json:"selected"`
	URIs            []URI  `json:"uris"`
}

type BitTorrentInfo struct {
	AnnounceList [][]string `json:"announceList,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	CreationDate int64      `json:"creationDate,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	Info         struct {
		Name string `json:"name"`
	} `json:"info"`
}

// Status is the reply of aria2.tellStatus and the tell* listings. Only the
// keys that were asked for are filled in.
type Status struct {
	GID             string          `json:"gid"`
	Status          string          `json:"status"`
	TotalLength     string          `json:"totalLength,omitempty"`
	CompletedLength string          `json:"completedLength,omitempty"`
	UploadLength    string          `json:"uploadLength,omitempty"`
	Bitfield        string          `json:"bitfield,omitempty"`
	DownloadSpeed   string          `json:"downloadSpeed,omitempty"`
	UploadSpeed     string          `json:"uploadSpeed,omitempty"`
	InfoHash        string          `json:"infoHash,omitempty"`
	NumSeeders      string          `json:"numSeeders,omitempty"`
	Seeder          string          `json:"seeder,omitempty"`
	PieceLength     string          `json:"pieceLength,omitempty"`
	NumPieces       string          `json:"numPieces,omitempty"`
	Connections     string          `json:"connections,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	FollowedBy      []string        `json:"followedBy,omitempty"`
	Following       string          `json:"following,omitempty"`
	BelongsTo       string          `json:"belongsTo,omitempty"`
	Dir             string          `json:"dir,omitempty"`
	Files           []File          `json:"files,omitempty"`
	BitTorrent      *BitTorrentInfo `json:"bittorrent,omitempty"`
}

type Peer struct {
	PeerID        string `json:"peerId"`
	IP            string `json:"ip"`
	Port          string `json:"port"`
	Bitfield      string `json:"bitfield"`
	AmChoking     string `json:"amChoking"`
	PeerChoking   string `json:"peerChoking"`
	DownloadSpeed string `json:"downloadSpeed"`
	UploadSpeed   string `json:"uploadSpeed"`
	Seeder        string `json:"seeder"`
}

type ServerEntry struct {
	URI           string `json:"uri"`
	CurrentURI    string `json:"currentUri"`
	DownloadSpeed string `json:"downloadSpeed"`
}

// Server groups the HTTP/FTP servers connected for one file.
type Server struct {
	Index   string        `json:"index"`
	Servers []ServerEntry `json:"servers"`
}

type GlobalStat struct {
	DownloadSpeed   string `json:"downloadSpeed"`
	UploadSpeed     string `json:"uploadSpeed"`
	NumActive       string `json:"numActive"`
	NumWaiting      string `json:"numWaiting"`
	NumStopped      string `json:"numStopped"`
	NumStoppedTotal string `json:"numStoppedTotal"`
}

type Version struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

type SessionInfo struct {
	SessionID string `json:"sessionId"`
}
