package storage

import (
	"database/sql"
	"fmt"
)

const imageColumns = `id, path, format, hash, width, height, document_id, page_number, image_number, description, created_at`

// InsertImage registers an extracted image. It returns false without error
// when the document already has an image with the same hash.
func (s *Store) InsertImage(img Image) (bool, error) {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = s.now()
	}
	res, err := s.db.Exec(`INSERT INTO images (`+imageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_id, hash) DO NOTHING`,
		img.ID, img.Path, img.Format, img.Hash, img.Width, img.Height, img.DocumentID,
		img.PageNumber, img.ImageNumber, nullString(img.Description), formatTime(img.CreatedAt),
	)
	if isForeignKeyViolation(err) {
		return false, fmt.Errorf("document %s: %w", img.DocumentID, ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HasImageHash reports whether the document already holds an image with hash.
func (s *Store) HasImageHash(documentID, hash string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM images WHERE document_id = ? AND hash = ?`, documentID, hash).Scan(&n)
	return n > 0, err
}

func (s *Store) GetImage(id string) (Image, error) {
	return scanImage(s.db.QueryRow(`SELECT `+imageColumns+` FROM images WHERE id = ?`, id))
}

// ListImages returns a document's images in page/image order.
func (s *Store) ListImages(documentID string) ([]Image, error) {
	rows, err := s.db.Query(`SELECT `+imageColumns+` FROM images WHERE document_id = ?
		ORDER BY page_number ASC, image_number ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *Store) SetImageDescription(id, description string) error {
	res, err := s.db.Exec(`UPDATE images SET description = ? WHERE id = ?`, nullString(description), id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// AddImageEmbedding records that the image has a vector in the collection.
// Re-embedding the same pair refreshes the timestamp.
func (s *Store) AddImageEmbedding(imageID, collectionID string) error {
	_, err := s.db.Exec(`INSERT INTO image_embeddings (image_id, collection_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (image_id, collection_id) DO UPDATE SET created_at = excluded.created_at`,
		imageID, collectionID, formatTime(s.now()))
	if isForeignKeyViolation(err) {
		return fmt.Errorf("image %s or collection %s: %w", imageID, collectionID, ErrNotFound)
	}
	return err
}

func (s *Store) RemoveImageEmbedding(imageID, collectionID string) error {
	res, err := s.db.Exec(`DELETE FROM image_embeddings WHERE image_id = ? AND collection_id = ?`, imageID, collectionID)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// ListImageEmbeddings returns the collections holding a vector for imageID.
func (s *Store) ListImageEmbeddings(imageID string) ([]ImageEmbedding, error) {
	rows, err := s.db.Query(`SELECT image_id, collection_id, created_at FROM image_embeddings
		WHERE image_id = ? ORDER BY created_at ASC`, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ImageEmbedding
	for rows.Next() {
		var ie ImageEmbedding
		var createdAt string
		if err := rows.Scan(&ie.ImageID, &ie.CollectionID, &createdAt); err != nil {
			return nil, err
		}
		if ie.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, ie)
	}
	return out, rows.Err()
}

func scanImage(row rowScanner) (Image, error) {
	var img Image
	var description sql.NullString
	var createdAt string
	err := row.Scan(&img.ID, &img.Path, &img.Format, &img.Hash, &img.Width, &img.Height, &img.DocumentID,
		&img.PageNumber, &img.ImageNumber, &description, &createdAt)
	if err == sql.ErrNoRows {
		return Image{}, ErrNotFound
	}
	if err != nil {
		return Image{}, err
	}
	img.Description = description.String
	if img.CreatedAt, err = parseTime(createdAt); err != nil {
		return Image{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return img, nil
}
