// Package archive pushes finished transcripts to Google Drive for
// long-term storage. Archival is best effort and never blocks or fails
// the pipeline that produced the transcript.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/jmalmgren/scribed/internal/store"
	"github.com/jmalmgren/scribed/internal/types"
)

// DriveArchiver uploads a speaker-attributed transcript and its
// metadata into a dated folder tree (Folder/2026/08/31/).
type DriveArchiver struct {
	service    *drive.Service
	store      *store.Store
	folderName string
	folderID   string
}

func NewDriveArchiver(s *store.Store, credentialsFile, tokenFile, folderName string) (*DriveArchiver, error) {
	ctx := context.Background()

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %v", err)
	}
	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %v", err)
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(getClient(config, tokenFile)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %v", err)
	}

	da := &DriveArchiver{service: srv, store: s, folderName: folderName}
	if err := da.ensureRootFolder(); err != nil {
		return nil, err
	}
	return da, nil
}

func getClient(config *oauth2.Config, tokenFile string) *http.Client {
	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		tok = getTokenFromWeb(config)
		saveToken(tokenFile, tok)
	}
	return config.Client(context.Background(), tok)
}

func getTokenFromWeb(config *oauth2.Config) *oauth2.Token {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser:\n%v\n", authURL)
	fmt.Print("Enter authorization code: ")

	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		panic(fmt.Sprintf("Unable to read authorization code: %v", err))
	}
	tok, err := config.Exchange(context.TODO(), authCode)
	if err != nil {
		panic(fmt.Sprintf("Unable to retrieve token from web: %v", err))
	}
	return tok
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func saveToken(path string, token *oauth2.Token) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		panic(fmt.Sprintf("Unable to cache oauth token: %v", err))
	}
	defer f.Close()
	json.NewEncoder(f).Encode(token)
}

// Archive renders a recording's transcript as speaker-attributed text
// and uploads it with a metadata JSON. Returns the metadata file URL.
func (da *DriveArchiver) Archive(recordingID string) (string, error) {
	rec, err := da.store.GetRecording(recordingID)
	if err != nil {
		return "", err
	}
	segments, err := da.store.ListSegments(recordingID)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("recording %s has no transcript to archive", recordingID)
	}
	speakers, err := da.store.ListSpeakers(recordingID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	folderID, err := da.ensureDateFolder(now)
	if err != nil {
		return "", err
	}
	baseFilename := fmt.Sprintf("%s_%s", now.Format("20060102_150405"), sanitizeFilename(rec.Title))

	txtFile := &drive.File{
		Name:    baseFilename + ".txt",
		Parents: []string{folderID},
	}
	if _, err := da.service.Files.Create(txtFile).
		Media(strings.NewReader(renderTranscript(segments, speakers))).Do(); err != nil {
		return "", fmt.Errorf("failed to upload transcript: %v", err)
	}

	metadata := map[string]interface{}{
		"recording_id":     rec.ID,
		"title":            rec.Title,
		"mode":             rec.Mode,
		"duration_seconds": rec.Duration,
		"speaker_count":    len(speakers),
		"segment_count":    len(segments),
		"created_at":       rec.CreatedAt,
		"archived_at":      now.UTC(),
		"speakers":         speakers,
		"segments":         segments,
	}
	metaJSON, _ := json.MarshalIndent(metadata, "", "  ")

	metaFile := &drive.File{
		Name:    baseFilename + "_meta.json",
		Parents: []string{folderID},
	}
	createdMeta, err := da.service.Files.Create(metaFile).
		Media(strings.NewReader(string(metaJSON))).Do()
	if err != nil {
		return "", fmt.Errorf("failed to upload metadata: %v", err)
	}

	url := fmt.Sprintf("https://drive.google.com/file/d/%s/view", createdMeta.Id)
	log.Printf("Archived recording %s to Drive: %s", recordingID, url)
	return url, nil
}

// ArchiveAsync runs Archive in the background with a few retries.
// Failures are logged and dropped.
func (da *DriveArchiver) ArchiveAsync(recordingID string) {
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if _, err := da.Archive(recordingID); err == nil {
				return
			} else if attempt == 3 {
				log.Printf("Giving up archiving recording %s: %v", recordingID, err)
			} else {
				log.Printf("Archive attempt %d for %s failed: %v", attempt, recordingID, err)
				time.Sleep(time.Duration(attempt) * 5 * time.Second)
			}
		}
	}()
}

// renderTranscript formats segments as "Name: text" lines with
// timestamps, the shape archived readers expect.
func renderTranscript(segments []types.Segment, speakers []types.Speaker) string {
	names := make(map[string]string, len(speakers))
	for _, sp := range speakers {
		name := sp.DisplayName
		if name == "" {
			name = sp.Label
		}
		names[sp.ID] = name
	}

	var b strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&b, "[%s] %s: %s\n", formatTimestamp(seg.Start), names[seg.SpeakerID], seg.Text)
	}
	return b.String()
}

func formatTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_", " ", "_")
	out := replacer.Replace(name)
	if len(out) > 80 {
		out = out[:80]
	}
	return out
}

func (da *DriveArchiver) ensureRootFolder() error {
	query := fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false",
		da.folderName)
	r, err := da.service.Files.List().Q(query).Spaces("drive").Fields("files(id, name)").Do()
	if err != nil {
		return fmt.Errorf("unable to search for folder: %v", err)
	}
	if len(r.Files) > 0 {
		da.folderID = r.Files[0].Id
		return nil
	}

	folder := &drive.File{
		Name:     da.folderName,
		MimeType: "application/vnd.google-apps.folder",
	}
	file, err := da.service.Files.Create(folder).Fields("id").Do()
	if err != nil {
		return fmt.Errorf("unable to create folder: %v", err)
	}
	da.folderID = file.Id
	return nil
}

func (da *DriveArchiver) ensureDateFolder(t time.Time) (string, error) {
	yearID, err := da.findOrCreateFolder(fmt.Sprintf("%d", t.Year()), da.folderID)
	if err != nil {
		return "", err
	}
	monthID, err := da.findOrCreateFolder(fmt.Sprintf("%02d", t.Month()), yearID)
	if err != nil {
		return "", err
	}
	return da.findOrCreateFolder(fmt.Sprintf("%02d", t.Day()), monthID)
}

func (da *DriveArchiver) findOrCreateFolder(name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and '%s' in parents and mimeType='application/vnd.google-apps.folder' and trashed=false",
		name, parentID)
	r, err := da.service.Files.List().Q(query).Spaces("drive").Fields("files(id)").Do()
	if err != nil {
		return "", err
	}
	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
		Parents:  []string{parentID},
	}
	file, err := da.service.Files.Create(folder).Fields("id").Do()
	if err != nil {
		return "", err
	}
	return file.Id, nil
}
