package commands

import (
	"context"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/post"
	"github.com/teranos/postpulse/sym"
)

// PostCmd manages the posts that schedules publish
var PostCmd = &cobra.Command{
	Use:   "post",
	Short: sym.Post + " Manage publishable posts",
	Long: sym.Post + ` post - add and list the notes that schedules publish.

Examples:
  postpulse post add --title "Morning market" --content "Lychees are in." \
      --image /img/1.jpg --image /img/2.jpg --tag food
  postpulse post ls --status draft`,
}

var postAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a draft post",
	Args:  cobra.NoArgs,
	RunE:  runPostAdd,
}

var postListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List posts, newest first",
	Args:    cobra.NoArgs,
	RunE:    runPostList,
}

var (
	postTitle   string
	postContent string
	postImages  []string
	postTags    []string

	postStatus string
	postLimit  int
)

func init() {
	f := postAddCmd.Flags()
	f.StringVar(&postTitle, "title", "", "Post title (required)")
	f.StringVar(&postContent, "content", "", "Post body")
	f.StringArrayVar(&postImages, "image", nil, "Image path or URL (repeatable)")
	f.StringArrayVar(&postTags, "tag", nil, "Tag (repeatable)")
	_ = postAddCmd.MarkFlagRequired("title")

	postListCmd.Flags().StringVar(&postStatus, "status", "", "Filter by status: draft, published")
	postListCmd.Flags().IntVar(&postLimit, "limit", 50, "Maximum rows (0 = all)")

	for _, c := range []*cobra.Command{postAddCmd, postListCmd} {
		c.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output JSON")
	}

	PostCmd.AddCommand(postAddCmd)
	PostCmd.AddCommand(postListCmd)
}

func runPostAdd(cmd *cobra.Command, args []string) error {
	p := &post.Post{
		Title:   postTitle,
		Content: postContent,
		Images:  postImages,
		Tags:    postTags,
	}
	return withStack(func(ctx context.Context, st *stack) error {
		if err := st.posts.CreatePost(ctx, p); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), p)
		}
		pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Post %d created: %s", p.ID, p.Title)
		return nil
	})
}

func runPostList(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, st *stack) error {
		posts, err := st.posts.ListPosts(ctx, postStatus, postLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			if posts == nil {
				posts = []*post.Post{}
			}
			return printJSON(cmd.OutOrStdout(), posts)
		}

		loc := st.calc.Location()
		rows := make([][]string, 0, len(posts))
		for _, p := range posts {
			createdAt := p.CreatedAt
			rows = append(rows, []string{
				strconv.FormatInt(p.ID, 10),
				truncate(p.Title, 32),
				p.Status,
				strconv.Itoa(len(p.Images)),
				strings.Join(p.Tags, ","),
				orDash(p.NoteID),
				displayTime(&createdAt, loc),
			})
		}
		return renderTable(cmd.OutOrStdout(),
			[]string{"ID", "TITLE", "STATUS", "IMAGES", "TAGS", "NOTE", "CREATED"},
			rows, "No posts found")
	})
}
